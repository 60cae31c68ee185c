package crawler

import (
	"context"
	"io"
	"time"
)

// PageFetcher returns the HTML text for a URL. Failures are *FetchError values.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// RecordSink receives finalized records in crawl order.
type RecordSink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// ArtifactStore writes raw artifacts (page snapshots, run summaries) and returns a URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher produces a content digest for stored artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
