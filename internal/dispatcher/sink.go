package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/itpcc/deka-supremecourt/internal/deka"
)

// Router delivers each response to the sink registered for its origin.
type Router struct {
	mu    sync.RWMutex
	sinks map[deka.Origin]deka.Sink
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{sinks: make(map[deka.Origin]deka.Sink)}
}

// Register sets the sink for origin, replacing any previous one.
func (r *Router) Register(origin deka.Origin, sink deka.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[origin] = sink
}

// Deliver implements deka.Sink.
func (r *Router) Deliver(ctx context.Context, resp deka.Response) error {
	r.mu.RLock()
	sink, ok := r.sinks[resp.Origin]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no sink for origin %q", resp.Origin)
	}
	return sink.Deliver(ctx, resp)
}

// Waiters hands each response to the caller blocked on its request ID. The
// HTTP API and the CLI answer synchronously through it.
type Waiters struct {
	mu      sync.Mutex
	pending map[string]chan deka.Response
}

// NewWaiters returns an empty Waiters.
func NewWaiters() *Waiters {
	return &Waiters{pending: make(map[string]chan deka.Response)}
}

// Register must be called before the request is enqueued. The returned
// function forgets the waiter.
func (w *Waiters) Register(id string) (<-chan deka.Response, func()) {
	ch := make(chan deka.Response, 1)
	w.mu.Lock()
	w.pending[id] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.pending[id] == ch {
			delete(w.pending, id)
		}
	}
}

// Deliver implements deka.Sink. A response nobody waits for any more is an
// error so the dispatcher logs it.
func (w *Waiters) Deliver(_ context.Context, resp deka.Response) error {
	w.mu.Lock()
	ch, ok := w.pending[resp.RequestID]
	delete(w.pending, resp.RequestID)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no waiter for request %s", resp.RequestID)
	}
	ch <- resp
	return nil
}

// Await enqueues req on d and waits for its response.
func Await(ctx context.Context, d *Dispatcher, w *Waiters, req deka.Request) (deka.Response, error) {
	ch, forget := w.Register(req.ID)
	defer forget()
	if err := d.Enqueue(ctx, req); err != nil {
		return deka.Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return deka.Response{}, fmt.Errorf("await %s: %w", req.ID, ctx.Err())
	}
}
