package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/automation"
	"github.com/itpcc/deka-supremecourt/internal/clock/system"
	"github.com/itpcc/deka-supremecourt/internal/config"
	"github.com/itpcc/deka-supremecourt/internal/deka"
	collyfetcher "github.com/itpcc/deka-supremecourt/internal/fetcher/colly"
	"github.com/itpcc/deka-supremecourt/internal/id/uuid"
	"github.com/itpcc/deka-supremecourt/internal/logging"
	"github.com/itpcc/deka-supremecourt/internal/metrics"
	"github.com/itpcc/deka-supremecourt/internal/mirror"
	"github.com/itpcc/deka-supremecourt/internal/relay"
	"github.com/itpcc/deka-supremecourt/internal/session"
	"github.com/itpcc/deka-supremecourt/internal/storage"
)

// Build creates the application's dependencies: logger, artifact storage,
// mirror, browser session and, when enabled, the relay connection. Anything
// opened before a failure is released again.
func Build(ctx context.Context, cfg config.Config) (app *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for _, closeFn := range closers {
			_ = closeFn()
		}
	}()

	deps := Deps{IDs: uuid.New(), Clock: system.New()}

	blobs, closeBlobs, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	closers = append(closers, closeBlobs)
	logger.Info("artifact storage ready", zap.String("backend", cfg.Storage.Backend))

	if cfg.Mirror.Enabled {
		fetcher := collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Mirror.UserAgent,
			Timeout:   cfg.MirrorTimeout(),
		})
		m, err := mirror.New(mirror.Config{
			BaseURL:        cfg.Mirror.BaseURL,
			DisplayName:    cfg.Mirror.DisplayName,
			MaxConcurrency: cfg.Mirror.MaxConcurrency,
		}, fetcher, logger)
		if err != nil {
			return nil, fmt.Errorf("mirror init failed: %w", err)
		}
		deps.Mirror = m
		logger.Info("mirror enabled", zap.String("base_url", cfg.Mirror.BaseURL))
	} else {
		logger.Warn("mirror disabled, every query goes to the browser")
	}

	browser, err := session.Open(ctx, session.Config{
		RemoteURL:      cfg.Automation.RemoteURL,
		Headless:       cfg.Automation.Headless,
		NoSandbox:      cfg.Automation.NoSandbox,
		UserAgent:      cfg.Automation.UserAgent,
		WindowWidth:    cfg.Automation.WindowWidth,
		WindowHeight:   cfg.Automation.WindowHeight,
		StartupTimeout: seconds(cfg.Automation.StartupTimeoutSeconds),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("browser session init failed: %w", err)
	}
	closers = append([]func() error{browser.Close}, closers...)
	deps.Browser = browser

	var artifacts deka.BlobStore
	if cfg.Automation.Screenshots {
		artifacts = blobs
	}
	driver := automation.NewDriver(automation.Config{
		BaseURL:        cfg.Automation.BaseURL,
		ResultTimeout:  seconds(cfg.Automation.ResultTimeoutSeconds),
		ElementTimeout: seconds(cfg.Automation.ElementTimeoutSeconds),
		Screenshots:    cfg.Automation.Screenshots,
		ArtifactPrefix: cfg.Automation.ArtifactPrefix,
		WindowWidth:    cfg.Automation.WindowWidth,
		WindowHeight:   cfg.Automation.WindowHeight,
	}, artifacts, deps.Clock, logger)
	deps.Automation = automation.NewRunner(browser, driver, logger)

	if cfg.Relay.Enabled {
		client, err := relay.Dial(ctx, relay.Config{
			URL:   cfg.Relay.URL,
			Token: cfg.Relay.Token,
		}, deps.IDs, deps.Clock, logger)
		if err != nil {
			return nil, fmt.Errorf("relay init failed: %w", err)
		}
		deps.Relay = client
		closers = append([]func() error{client.Close}, closers...)
	}

	// Closers now only holds what Close releases besides the browser and relay.
	deps.Closers = []func() error{closeBlobs, logger.Sync}
	return New(cfg, deps, logger)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
