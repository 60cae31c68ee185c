// Package sha256 digests stored artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix marks digests produced by this package.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the prefixed hex digest of data. Identical snapshots from
// different runs share a digest, so unchanged listing pages are easy to spot.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
