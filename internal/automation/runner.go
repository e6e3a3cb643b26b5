package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/metrics"
)

// TabSource hands out browser tabs. session.Session implements it.
type TabSource interface {
	NewTab() (context.Context, context.CancelFunc, error)
	Err() error
}

// Runner binds a Driver to the shared browser session and implements
// deka.Automation. Each Run gets its own tab, closed before Run returns.
type Runner struct {
	tabs    TabSource
	driver  *Driver
	newPage func(tab context.Context) Page
	logger  *zap.Logger
}

// NewRunner builds a Runner that drives chromedp tabs.
func NewRunner(tabs TabSource, driver *Driver, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		tabs:   tabs,
		driver: driver,
		newPage: func(tab context.Context) Page {
			return NewChromedpPage(tab)
		},
		logger: logger.Named("runner"),
	}
}

// Run executes q on a fresh tab.
func (r *Runner) Run(ctx context.Context, q deka.Query) (deka.Outcome, error) {
	tab, closeTab, err := r.tabs.NewTab()
	if err != nil {
		return deka.Outcome{}, fmt.Errorf("open tab: %w", err)
	}
	defer closeTab()

	start := time.Now()
	out, err := r.driver.Run(ctx, r.newPage(tab), q)
	metrics.ObserveAutomation(string(q.Mode()), time.Since(start))
	if err != nil {
		if sessErr := r.tabs.Err(); sessErr != nil && !errors.Is(err, deka.ErrSessionUnavailable) {
			err = fmt.Errorf("%w: %w", sessErr, err)
		}
		return deka.Outcome{}, err
	}
	r.logger.Debug("automation finished",
		zap.String("query", q.String()),
		zap.Int("records", len(out.Records)),
		zap.Duration("took", time.Since(start)),
	)
	return out, nil
}
