// Package server builds the application's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/api"
	"github.com/itpcc/deka-supremecourt/internal/clock/system"
	"github.com/itpcc/deka-supremecourt/internal/config"
	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/dispatcher"
	"github.com/itpcc/deka-supremecourt/internal/id/uuid"
	"github.com/itpcc/deka-supremecourt/internal/relay"
	"github.com/itpcc/deka-supremecourt/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Browser is the shared automation session as seen by the app.
// session.Session implements it.
type Browser interface {
	Err() error
	Close() error
}

// Relay is an inbound channel that also takes responses back.
// relay.Client implements it.
type Relay interface {
	deka.Sink
	Run(ctx context.Context, enq relay.Enqueuer) error
	Close() error
}

// Deps are the long-lived collaborators the app coordinates. Mirror and
// Relay may be nil.
type Deps struct {
	Mirror     deka.Mirror
	Automation deka.Automation
	Browser    Browser
	Relay      Relay
	IDs        deka.IDGenerator
	Clock      deka.Clock
	// Closers run last, in order, on Close.
	Closers []func() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	deps      Deps
	waiters   *dispatcher.Waiters
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	addr      chan net.Addr
}

// New wires deps into a dispatcher and an HTTP server.
func New(cfg config.Config, deps Deps, logger *zap.Logger) (*App, error) {
	if deps.Automation == nil || deps.Browser == nil {
		return nil, errors.New("automation and browser are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		deps:    deps,
		waiters: dispatcher.NewWaiters(),
		addr:    make(chan net.Addr, 1),
	}

	router := dispatcher.NewRouter()
	router.Register(deka.OriginAPI, a.waiters)
	router.Register(deka.OriginCLI, a.waiters)
	if deps.Relay != nil {
		router.Register(deka.OriginRelay, deps.Relay)
	}

	a.dispatch = dispatcher.New(deps.Mirror, deps.Automation, router, dispatcher.Config{
		InboundDepth:  cfg.Relay.QueueDepth,
		MirrorTimeout: cfg.MirrorTimeout(),
		Worker:        worker.Config{QueryTimeout: cfg.QueryTimeout()},
	}, logger.Named("dispatcher"))

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(
		api.QuerierFunc(a.await),
		deps.IDs,
		deps.Clock,
		api.Config{
			APIKey:       apiKey,
			QueryTimeout: cfg.QueryTimeout() + cfg.MirrorTimeout(),
			Ready:        deps.Browser.Err,
		},
		logger,
	)
	return a, nil
}

func (a *App) await(ctx context.Context, req deka.Request) (deka.Response, error) {
	return dispatcher.Await(ctx, a.dispatch, a.waiters, req)
}

// Addr yields the HTTP listener address once Run is serving.
func (a *App) Addr() <-chan net.Addr {
	return a.addr
}

// Run starts the dispatcher, the HTTP server and the relay, and blocks until
// ctx is canceled, a signal arrives, the relay goes away or the browser
// session is lost. Close is called before Run returns. A lost session is
// returned as an error.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(a.cfg.Server.Port))
	if err != nil {
		a.Close()
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	a.addr <- ln.Addr()

	dispatchDone := make(chan error, 1)
	go func() {
		a.logger.Info("dispatcher started")
		dispatchDone <- a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveDone := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	// The relay connection closes when its context ends, so it outlives the
	// dispatcher's context until the last response was written.
	relayCtx, cancelRelay := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRelay()
	relayDone := make(chan error, 1)
	if a.deps.Relay != nil {
		go func() {
			a.logger.Info("relay reader started")
			relayDone <- a.deps.Relay.Run(relayCtx, a.dispatch)
		}()
	}

	var runErr error
	dispatched := false
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-dispatchDone:
		dispatched = true
		runErr = err
		a.logger.Error("dispatcher stopped", zap.Error(err))
	case err := <-relayDone:
		if err != nil {
			runErr = fmt.Errorf("relay: %w", err)
		}
		a.logger.Warn("relay connection ended", zap.Error(err))
		relayDone <- err
	case err := <-serveDone:
		runErr = fmt.Errorf("http server: %w", err)
		a.logger.Error("http server error", zap.Error(err))
	}
	stop()

	if !dispatched {
		if err := <-dispatchDone; err != nil && runErr == nil {
			runErr = err
		}
	}
	a.logger.Info("dispatcher drained")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	if a.deps.Relay != nil {
		if err := a.deps.Relay.Close(); err != nil {
			a.logger.Warn("relay close failed", zap.Error(err))
		}
		cancelRelay()
		<-relayDone
	}

	a.Close()
	return runErr
}

// Query runs one request through the pipeline and returns its response. The
// app is closed afterwards.
func (a *App) Query(ctx context.Context, q deka.Query) (deka.Response, error) {
	defer a.Close()

	id, err := a.deps.IDs.NewID()
	if err != nil {
		return deka.Response{}, fmt.Errorf("generate request id: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- a.dispatch.Run(runCtx)
	}()

	resp, err := a.await(ctx, deka.Request{
		ID:       id,
		Origin:   deka.OriginCLI,
		Query:    q,
		Received: a.deps.Clock.Now(),
	})
	cancel()
	if runErr := <-dispatchDone; runErr != nil {
		a.logger.Warn("dispatcher stopped", zap.Error(runErr))
	}
	return resp, err
}

// Close releases the browser session and the remaining infrastructure. It
// must only run once the dispatcher has stopped.
func (a *App) Close() {
	if err := a.deps.Browser.Close(); err != nil {
		a.logger.Warn("browser close failed", zap.Error(err))
	}
	for _, closeFn := range a.deps.Closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.deps.Closers = nil
	a.logger.Info("shutdown complete")
}
