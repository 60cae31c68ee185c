package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// FetchErrorKind separates retryable failures from terminal ones.
type FetchErrorKind int

// Fetch error kinds.
const (
	Transient FetchErrorKind = iota + 1
	Permanent
)

func (k FetchErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Sentinels matched through errors.Is against any *FetchError of that kind.
var (
	ErrTransient = errors.New("transient fetch failure")
	ErrPermanent = errors.New("permanent fetch failure")
)

// FetchError is returned by PageFetcher implementations.
type FetchError struct {
	URL        string
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

// NewTransientError builds a retryable fetch error.
func NewTransientError(url string, status int, err error) *FetchError {
	return &FetchError{URL: url, Kind: Transient, StatusCode: status, Err: err}
}

// NewPermanentError builds a terminal fetch error.
func NewPermanentError(url string, status int, err error) *FetchError {
	return &FetchError{URL: url, Kind: Permanent, StatusCode: status, Err: err}
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetch %s: status %d: %v", e.Kind, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets callers test the kind with errors.Is(err, ErrTransient).
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == Transient
	case ErrPermanent:
		return e.Kind == Permanent
	}
	return false
}

// KindForStatus maps an HTTP status to an error kind. Rate limiting and
// server errors are retryable; every other 4xx is not.
func KindForStatus(code int) FetchErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Transient
	case code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Transient
	}
}

// AsPermanent converts an exhausted transient failure into a permanent one.
func AsPermanent(err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Kind == Permanent {
			return fe
		}
		return &FetchError{URL: fe.URL, Kind: Permanent, StatusCode: fe.StatusCode, Err: fe.Err}
	}
	return &FetchError{Kind: Permanent, Err: err}
}
