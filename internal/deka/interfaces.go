package deka

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Mirror runs a free-text query against the mirror site.
type Mirror interface {
	Fetch(ctx context.Context, query Query) (Outcome, error)
}

// Automation runs a query through the authoritative site's search forms. Callers
// must not invoke it concurrently.
type Automation interface {
	Run(ctx context.Context, query Query) (Outcome, error)
}

// Queue provides ordered enqueue/dequeue semantics.
type Queue[T any] interface {
	Enqueue(ctx context.Context, item T) error
	Dequeue(ctx context.Context) (T, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Sink receives the final response of a request.
type Sink interface {
	Deliver(ctx context.Context, resp Response) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, resp Response) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, resp Response) error {
	return f(ctx, resp)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
