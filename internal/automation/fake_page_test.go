package automation

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// fakePage scripts a results site in memory and records every call.
type fakePage struct {
	mu      sync.Mutex
	calls   []string
	current string

	// navigateOn maps a clicked selector to the path the browser lands on.
	navigateOn map[string]string
	// failOn makes the call with this key fail, e.g. "click #submit_search_deka".
	failOn map[string]error
	texts  map[string][]string
	within map[string][][]string
	attrs  map[string][][]string
	shot   []byte
}

func newFakePage() *fakePage {
	return &fakePage{
		navigateOn: map[string]string{},
		failOn:     map[string]error{},
		texts:      map[string][]string{},
		within:     map[string][][]string{},
		attrs:      map[string][][]string{},
		shot:       []byte("png"),
	}
}

func (p *fakePage) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.failOn[call]
}

func (p *fakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) called(call string) bool {
	for _, c := range p.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

func (p *fakePage) calledPrefix(prefix string) bool {
	for _, c := range p.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (p *fakePage) Navigate(_ context.Context, u string) error {
	if err := p.record("navigate " + u); err != nil {
		return err
	}
	p.mu.Lock()
	p.current = u
	p.mu.Unlock()
	return nil
}

func (p *fakePage) SetViewport(_ context.Context, width, height int) error {
	return p.record(fmt.Sprintf("viewport %dx%d", width, height))
}

func (p *fakePage) SelectOption(_ context.Context, sel, label string) error {
	return p.record("select " + sel + "=" + label)
}

func (p *fakePage) Fill(_ context.Context, sel, value string) error {
	return p.record("fill " + sel + "=" + value)
}

func (p *fakePage) Click(_ context.Context, sel string) error {
	if err := p.record("click " + sel); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if path, ok := p.navigateOn[sel]; ok {
		u, err := url.Parse(p.current)
		if err == nil {
			u.Path = path
			p.current = u.String()
		}
	}
	return nil
}

func (p *fakePage) ClickNth(_ context.Context, sel string, i int) error {
	return p.record(fmt.Sprintf("clicknth %s#%d", sel, i))
}

func (p *fakePage) WaitPresent(_ context.Context, sel string) error {
	return p.record("wait " + sel)
}

// WaitPath blocks until ctx ends when the current path never matches.
func (p *fakePage) WaitPath(ctx context.Context, path string) error {
	if err := p.record("waitpath " + path); err != nil {
		return err
	}
	p.mu.Lock()
	u, _ := url.Parse(p.current)
	p.mu.Unlock()
	if u != nil && u.Path == path {
		return nil
	}
	<-ctx.Done()
	return fmt.Errorf("wait for path %s: %w", path, ctx.Err())
}

func (p *fakePage) Texts(_ context.Context, sel string) ([]string, error) {
	if err := p.record("texts " + sel); err != nil {
		return nil, err
	}
	return p.texts[sel], nil
}

func (p *fakePage) TextsWithin(_ context.Context, container, child string) ([][]string, error) {
	if err := p.record("within " + container + "|" + child); err != nil {
		return nil, err
	}
	return p.within[container+"|"+child], nil
}

func (p *fakePage) AttrsWithin(_ context.Context, container, child, attr string) ([][]string, error) {
	if err := p.record("attrs " + container + "|" + child + "|" + attr); err != nil {
		return nil, err
	}
	return p.attrs[container+"|"+child], nil
}

func (p *fakePage) ScrollToBottom(context.Context) error {
	return p.record("scroll")
}

func (p *fakePage) CurrentURL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	if err := p.record("screenshot"); err != nil {
		return nil, err
	}
	return p.shot, nil
}

// withResults scripts a results page holding the given items. Each item is
// {hidden number, short note, long note, law, source}; an empty field is
// rendered as a missing element.
func (p *fakePage) withResults(items ...[5]string) *fakePage {
	p.navigateOn[selBasicSubmit] = resultsPath
	p.navigateOn[selAdvancedSubmit] = resultsPath
	p.navigateOn[selPrintChosen] = printPath

	var numbers, shorts, longs, laws, sources [][]string
	opt := func(v string) []string {
		if v == "" {
			return nil
		}
		return []string{v}
	}
	for _, it := range items {
		numbers = append(numbers, opt(it[0]))
		shorts = append(shorts, opt(it[1]))
		longs = append(longs, opt(it[2]))
		laws = append(laws, opt(it[3]))
		sources = append(sources, opt(it[4]))
	}
	p.attrs[selResultItem+"|"+selItemDekaNo] = numbers
	p.within[selResultItem+"|"+selItemShortText] = shorts
	p.within[selResultItem+"|"+selItemLongText] = longs
	p.within[selResultItem+"|"+selItemLaw] = laws
	p.within[selResultItem+"|"+selItemSource] = sources
	return p
}
