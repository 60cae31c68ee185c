// Package simple contains a host allowlist fetch policy.
package simple

import (
	"net/url"
	"strings"
)

// Policy allows fetches only to the configured hosts. An empty policy allows everything.
type Policy struct {
	hosts map[string]struct{}
}

// New creates a Policy scoped to the hosts of the given URLs.
func New(roots ...string) *Policy {
	p := &Policy{hosts: map[string]struct{}{}}
	for _, root := range roots {
		u, err := url.Parse(root)
		if err != nil || u.Hostname() == "" {
			continue
		}
		p.hosts[strings.ToLower(u.Hostname())] = struct{}{}
	}
	return p
}

// AllowFetch reports whether rawURL is an http(s) URL on an allowed host.
func (p Policy) AllowFetch(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if len(p.hosts) == 0 {
		return true
	}
	_, ok := p.hosts[strings.ToLower(u.Hostname())]
	return ok
}
