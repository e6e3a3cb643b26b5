package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

const defaultPollInterval = 250 * time.Millisecond

// ChromedpPage implements Page on one chromedp tab.
type ChromedpPage struct {
	tab          context.Context
	pollInterval time.Duration
}

// NewChromedpPage wraps a tab context obtained from session.Session.NewTab.
// The tab must already be attached: the first chromedp.Run on a context owns
// the target's event loop, and every action here runs on a child that is
// cancelled when the action returns.
func NewChromedpPage(tab context.Context) *ChromedpPage {
	return &ChromedpPage{tab: tab, pollInterval: defaultPollInterval}
}

// run executes actions on the tab, bounded by ctx's deadline and cancellation.
// Cancelling the derived context aborts the actions without closing the tab.
func (p *ChromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(p.tab, deadline)
	} else {
		runCtx, cancel = context.WithCancel(p.tab)
	}
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

// Navigate loads url in the tab.
func (p *ChromedpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

// SetViewport emulates a window of the given size.
func (p *ChromedpPage) SetViewport(ctx context.Context, width, height int) error {
	return p.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

// SelectOption picks an option by its visible label and fires change events.
func (p *ChromedpPage) SelectOption(ctx context.Context, sel, label string) error {
	var found bool
	expr := fmt.Sprintf(`(function(sel, label) {
		var el = document.querySelector(sel);
		if (!el) { return false; }
		for (var i = 0; i < el.options.length; i++) {
			if (el.options[i].text.trim() === label) {
				el.selectedIndex = i;
				el.dispatchEvent(new Event('input', {bubbles: true}));
				el.dispatchEvent(new Event('change', {bubbles: true}));
				return true;
			}
		}
		return false;
	})(%s, %s)`, jsString(sel), jsString(label))
	if err := p.run(ctx, chromedp.WaitReady(sel, chromedp.ByQuery), chromedp.Evaluate(expr, &found)); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("option %q not found in %s", label, sel)
	}
	return nil
}

// Fill clears the field and types value so that key handlers fire.
func (p *ChromedpPage) Fill(ctx context.Context, sel, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	)
}

// Click clicks the first visible element matching sel.
func (p *ChromedpPage) Click(ctx context.Context, sel string) error {
	return p.run(ctx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
}

// ClickNth clicks the i-th element matching sel with a real mouse event.
func (p *ChromedpPage) ClickNth(ctx context.Context, sel string, i int) error {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll)); err != nil {
		return err
	}
	if i < 0 || i >= len(nodes) {
		return fmt.Errorf("%s: index %d out of %d matches", sel, i, len(nodes))
	}
	return p.run(ctx, chromedp.MouseClickNode(nodes[i]))
}

// WaitPresent waits until sel is in the DOM.
func (p *ChromedpPage) WaitPresent(ctx context.Context, sel string) error {
	return p.run(ctx, chromedp.WaitReady(sel, chromedp.ByQuery))
}

// WaitPath polls the tab location until its path equals path. Errors while
// the page is mid-navigation are retried.
func (p *ChromedpPage) WaitPath(ctx context.Context, path string) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if current, err := p.CurrentURL(ctx); err == nil {
			if u, perr := url.Parse(current); perr == nil && u.Path == path {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for path %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Texts returns innerText of every match.
func (p *ChromedpPage) Texts(ctx context.Context, sel string) ([]string, error) {
	var out []string
	expr := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(function(n) { return n.innerText || ""; })`, jsString(sel))
	if err := p.run(ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

// TextsWithin returns innerText of child matches grouped by container.
func (p *ChromedpPage) TextsWithin(ctx context.Context, container, child string) ([][]string, error) {
	var out [][]string
	expr := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(function(c) {
		return Array.from(c.querySelectorAll(%s)).map(function(n) { return n.innerText || ""; });
	})`, jsString(container), jsString(child))
	if err := p.run(ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

// AttrsWithin returns an attribute of child matches grouped by container.
// Missing attributes read as "".
func (p *ChromedpPage) AttrsWithin(ctx context.Context, container, child, attr string) ([][]string, error) {
	var out [][]string
	expr := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(function(c) {
		return Array.from(c.querySelectorAll(%s)).map(function(n) { return n.getAttribute(%s) || ""; });
	})`, jsString(container), jsString(child), jsString(attr))
	if err := p.run(ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

// ScrollToBottom scrolls the window to the end of the document.
func (p *ChromedpPage) ScrollToBottom(ctx context.Context) error {
	return p.run(ctx, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil))
}

// CurrentURL returns the tab location.
func (p *ChromedpPage) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Screenshot captures the viewport as PNG.
func (p *ChromedpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
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
