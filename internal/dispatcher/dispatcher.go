// Package dispatcher runs the two-stage query pipeline: a mirror stage that
// answers what it can from the mirror, and the session worker that runs
// browser automation for the rest. Responses leave in arrival order.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/metrics"
	"github.com/itpcc/deka-supremecourt/internal/queue/memory"
	"github.com/itpcc/deka-supremecourt/internal/worker"
)

// InboundQueueName labels the inbound queue in metrics.
const InboundQueueName = "inbound"

// Config controls queue sizes and per-stage bounds.
type Config struct {
	InboundDepth  int
	WorkerDepth   int
	MirrorTimeout time.Duration
	Worker        worker.Config
}

// Dispatcher accepts requests and answers each exactly once through the sink.
type Dispatcher struct {
	inbound *memory.Queue[deka.Request]
	handoff *memory.Queue[worker.Item]
	mirror  deka.Mirror
	worker  *worker.Worker
	sink    deka.Sink
	cfg     Config
	logger  *zap.Logger

	mu    sync.Mutex
	stuck *worker.Item
}

// New creates a Dispatcher. mirror may be nil to send every query to
// automation.
func New(mirror deka.Mirror, automation deka.Automation, sink deka.Sink, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.InboundDepth <= 0 {
		cfg.InboundDepth = 64
	}
	if cfg.WorkerDepth <= 0 {
		cfg.WorkerDepth = 64
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handoff := memory.NewQueue[worker.Item](cfg.WorkerDepth)
	return &Dispatcher{
		inbound: memory.NewQueue[deka.Request](cfg.InboundDepth),
		handoff: handoff,
		mirror:  mirror,
		worker:  worker.New(handoff, automation, sink, cfg.Worker, logger),
		sink:    sink,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Enqueue appends req to the inbound queue. It blocks while the queue is full
// and fails with deka.ErrShuttingDown once the dispatcher has stopped.
func (d *Dispatcher) Enqueue(ctx context.Context, req deka.Request) error {
	if err := d.inbound.Enqueue(ctx, req); err != nil {
		if errors.Is(err, memory.ErrClosed) {
			return fmt.Errorf("enqueue %s: %w", req.ID, deka.ErrShuttingDown)
		}
		return fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.SetQueueDepth(InboundQueueName, d.inbound.Len())
	return nil
}

// Run blocks until ctx ends or the worker stops on a lost browser session.
// Requests still queued at that point are answered with
// deka.ErrShuttingDown. The returned error is nil on a clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.mirrorStage(gctx)
		return nil
	})
	g.Go(func() error {
		return d.worker.Run(gctx)
	})
	err := g.Wait()
	d.drain(ctx)
	return err
}

func (d *Dispatcher) mirrorStage(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		req, err := d.inbound.Dequeue(ctx)
		if err != nil {
			return
		}
		metrics.SetQueueDepth(InboundQueueName, d.inbound.Len())

		item := d.resolve(ctx, req)
		if err := d.handoff.Enqueue(ctx, item); err != nil {
			d.mu.Lock()
			d.stuck = &item
			d.mu.Unlock()
			return
		}
		metrics.SetQueueDepth(worker.QueueName, d.handoff.Len())
	}
}

// resolve answers req from the mirror when it can. An unresolved item goes to
// the worker for automation.
func (d *Dispatcher) resolve(ctx context.Context, req deka.Request) worker.Item {
	logger := d.logger.With(zap.String("request_id", req.ID), zap.String("query", req.Query.String()))

	if err := req.Query.Validate(); err != nil {
		metrics.ObserveQuery(metrics.SourceMirror, metrics.OutcomeInvalid)
		logger.Info("rejected invalid query", zap.Error(err))
		resp := deka.Failed(req, err)
		return worker.Item{Request: req, Resolved: &resp}
	}
	if d.mirror == nil {
		return worker.Item{Request: req}
	}

	mctx, cancel := context.WithTimeout(ctx, d.cfg.MirrorTimeout)
	defer cancel()
	out, err := d.mirror.Fetch(mctx, req.Query)
	switch {
	case err != nil:
		metrics.ObserveQuery(metrics.SourceMirror, metrics.OutcomeError)
		logger.Warn("mirror failed, falling back to automation", zap.Error(err))
		return worker.Item{Request: req}
	case !out.Found():
		metrics.ObserveQuery(metrics.SourceMirror, metrics.OutcomeEmpty)
		logger.Debug("mirror empty, falling back to automation")
		return worker.Item{Request: req}
	default:
		metrics.ObserveQuery(metrics.SourceMirror, metrics.OutcomeFound)
		logger.Info("mirror answered", zap.Int("records", len(out.Records)))
		resp := deka.Okay(req, out.Records)
		return worker.Item{Request: req, Resolved: &resp}
	}
}

// drain answers everything left in both queues, in arrival order.
func (d *Dispatcher) drain(ctx context.Context) {
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.MirrorTimeout)
	defer cancel()

	items := d.handoff.Drain()
	d.mu.Lock()
	if d.stuck != nil {
		items = append(items, *d.stuck)
		d.stuck = nil
	}
	d.mu.Unlock()
	for _, req := range d.inbound.Drain() {
		items = append(items, worker.Item{Request: req})
	}

	for _, item := range items {
		resp := deka.Failed(item.Request, deka.ErrShuttingDown)
		if item.Resolved != nil {
			resp = *item.Resolved
		}
		if err := d.sink.Deliver(deliverCtx, resp); err != nil {
			d.logger.Error("deliver drained response failed", zap.String("request_id", resp.RequestID), zap.Error(err))
		}
	}
	if len(items) > 0 {
		d.logger.Info("drained queued requests", zap.Int("count", len(items)))
	}
	metrics.SetQueueDepth(InboundQueueName, 0)
	metrics.SetQueueDepth(worker.QueueName, 0)
}
