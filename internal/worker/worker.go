// Package worker owns the browser session: it is the only goroutine that runs
// automation, one query at a time, and it delivers every response in the order
// requests arrived.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/metrics"
)

// QueueName labels the worker queue in metrics.
const QueueName = "automation"

// Item is one request in the worker queue. Resolved is set when the mirror
// already answered and the worker only has to deliver it in turn.
type Item struct {
	Request  deka.Request
	Resolved *deka.Response
}

// Config controls Worker behavior.
type Config struct {
	// QueryTimeout bounds one automation run. It is applied to a context
	// detached from shutdown so an in-flight query still finishes.
	QueryTimeout time.Duration
	// DeliverTimeout bounds one sink delivery.
	DeliverTimeout time.Duration
}

// Depther reports a queue's backlog. memory.Queue implements it.
type Depther interface {
	Len() int
}

// Worker consumes queue items and runs automation for unresolved ones.
type Worker struct {
	queue      deka.Queue[Item]
	automation deka.Automation
	sink       deka.Sink
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	queue deka.Queue[Item],
	automation deka.Automation,
	sink deka.Sink,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Minute
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:      queue,
		automation: automation,
		sink:       sink,
		cfg:        cfg,
		logger:     logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed. It returns an error wrapping deka.ErrSessionUnavailable when the
// browser session is lost; the failing request is still answered first.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Info("worker queue closed", zap.Error(err))
			return nil
		}
		w.reportDepth()
		w.logger.Debug("dequeued request", zap.String("request_id", item.Request.ID))

		if err := w.process(ctx, item); err != nil {
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, item Item) error {
	if item.Resolved != nil {
		w.deliver(ctx, *item.Resolved)
		return nil
	}

	req := item.Request
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	out, err := w.automation.Run(runCtx, req.Query)
	if err != nil {
		metrics.ObserveQuery(metrics.SourceAutomation, metrics.OutcomeError)
		w.logger.Warn("automation failed",
			zap.String("request_id", req.ID),
			zap.String("query", req.Query.String()),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		w.deliver(ctx, deka.Failed(req, err))
		if errors.Is(err, deka.ErrSessionUnavailable) {
			return fmt.Errorf("worker stopped: %w", err)
		}
		return nil
	}

	outcome := metrics.OutcomeEmpty
	if out.Found() {
		outcome = metrics.OutcomeFound
	}
	metrics.ObserveQuery(metrics.SourceAutomation, outcome)
	w.logger.Info("automation answered",
		zap.String("request_id", req.ID),
		zap.Int("records", len(out.Records)),
		zap.Duration("took", time.Since(start)),
	)
	w.deliver(ctx, deka.Okay(req, out.Records))
	return nil
}

func (w *Worker) deliver(ctx context.Context, resp deka.Response) {
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DeliverTimeout)
	defer cancel()
	if err := w.sink.Deliver(deliverCtx, resp); err != nil {
		w.logger.Error("deliver response failed", zap.String("request_id", resp.RequestID), zap.Error(err))
	}
}

func (w *Worker) reportDepth() {
	if d, ok := w.queue.(Depther); ok {
		metrics.SetQueueDepth(QueueName, d.Len())
	}
}
