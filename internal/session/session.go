// Package session owns the single long-lived browser used for automation. It
// is opened once at startup, handed tabs on demand and closed exactly once.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/deka"
)

// Config controls how the browser is obtained.
type Config struct {
	// RemoteURL points at an already running DevTools endpoint
	// (ws://host:9222/... or http://host:9222). Empty launches a local Chrome.
	RemoteURL      string
	Headless       bool
	// NoSandbox disables Chrome's sandbox, needed when running as root in a
	// container.
	NoSandbox      bool
	UserAgent      string
	WindowWidth    int
	WindowHeight   int
	StartupTimeout time.Duration
}

// Session wraps the chromedp allocator and browser contexts.
type Session struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	attachTimeout time.Duration
	logger        *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// Open starts or attaches to a browser and runs a warm-up so failures surface
// here rather than on the first query.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	warmCtx, warmCancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer warmCancel()
	stopForward := forwardCancel(warmCtx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopForward()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w: %w", deka.ErrSessionUnavailable, err)
	}

	logger.Info("browser session opened",
		zap.Bool("remote", cfg.RemoteURL != ""),
		zap.Bool("headless", cfg.Headless),
	)
	return &Session{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		attachTimeout: cfg.StartupTimeout,
		logger:        logger.Named("session"),
		closed:        make(chan struct{}),
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	return opts
}

// NewTab opens a fresh tab in the shared browser and attaches to it. The
// target's event loop lives on the returned context, so callers may run
// actions on short-lived children of it. Cancelling the returned function
// closes the tab.
func (s *Session) NewTab() (context.Context, context.CancelFunc, error) {
	if err := s.Err(); err != nil {
		return nil, nil, err
	}
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)

	timeout := s.attachTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	attachCtx, attachCancel := context.WithTimeout(context.Background(), timeout)
	stopForward := forwardCancel(attachCtx, cancel)
	err := chromedp.Run(tabCtx)
	stopForward()
	attachCancel()
	if err != nil {
		cancel()
		if sessErr := s.Err(); sessErr != nil {
			return nil, nil, fmt.Errorf("attach tab: %w: %w", sessErr, err)
		}
		return nil, nil, fmt.Errorf("attach tab: %w", err)
	}
	return tabCtx, cancel, nil
}

// Err reports ErrSessionUnavailable once the browser is gone.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return fmt.Errorf("session closed: %w", deka.ErrSessionUnavailable)
	default:
	}
	if err := s.browserCtx.Err(); err != nil {
		return fmt.Errorf("browser context: %w: %w", deka.ErrSessionUnavailable, err)
	}
	return nil
}

// Close shuts the browser down. Calls after the first are no-ops.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.browserCancel()
		s.allocCancel()
		s.logger.Info("browser session closed")
	})
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
