// Package mirror queries the dekasuksa.com mirror, a blog that republishes
// Supreme Court summaries as unstructured posts. A listing page is searched
// for post links, every candidate post is fetched concurrently and each page
// body is segmented by the normalize package.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/metrics"
	"github.com/itpcc/deka-supremecourt/internal/normalize"
)

// Defaults match the public mirror.
const (
	DefaultBaseURL     = "https://www.dekasuksa.com"
	DefaultDisplayName = "เว็บไซต์ฎีกาศึกษา"
)

const (
	selListingPost = ".blog-posts .blog-post"
	selPostLink    = ".post-title a"
	selPageTitle   = "h1.post-title"
	selPageBody    = ".post-body.post-content"
)

// Config controls where the mirror lives and how its records are labeled.
type Config struct {
	BaseURL     string
	DisplayName string
	// MaxConcurrency bounds the page fan-out; zero means unbounded.
	MaxConcurrency int
}

type selectors struct {
	listingPost cascadia.Selector
	postLink    cascadia.Selector
	pageTitle   cascadia.Selector
	pageBody    cascadia.Selector
}

// Fetcher runs queries against the mirror. It implements deka.Mirror.
type Fetcher struct {
	cfg     Config
	search  *url.URL
	fetcher deka.Fetcher
	sel     selectors
	logger  *zap.Logger
}

// New validates cfg and compiles the page selectors.
func New(cfg Config, fetcher deka.Fetcher, logger *zap.Logger) (*Fetcher, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("mirror: fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = DefaultDisplayName
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("mirror: invalid base url %q: %w", cfg.BaseURL, deka.ErrTransientSource)
	}
	sel, err := compileSelectors()
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		cfg:     cfg,
		search:  base.JoinPath("search"),
		fetcher: fetcher,
		sel:     sel,
		logger:  logger.Named("mirror"),
	}, nil
}

func compileSelectors() (selectors, error) {
	var (
		s   selectors
		err error
	)
	compile := func(dst *cascadia.Selector, raw string) {
		if err != nil {
			return
		}
		var c cascadia.Selector
		c, err = cascadia.Compile(raw)
		if err != nil {
			err = fmt.Errorf("mirror: compile selector %q: %w", raw, deka.ErrStructuralParse)
			return
		}
		*dst = c
	}
	compile(&s.listingPost, selListingPost)
	compile(&s.postLink, selPostLink)
	compile(&s.pageTitle, selPageTitle)
	compile(&s.pageBody, selPageBody)
	return s, err
}

// Fetch runs q's free-text form against the mirror.
func (m *Fetcher) Fetch(ctx context.Context, q deka.Query) (deka.Outcome, error) {
	return m.Search(ctx, q.MirrorText())
}

// Search looks text up on the mirror. A listing that cannot be fetched or
// parsed is an error; a listing without posts, or whose posts all fail, is an
// empty outcome.
func (m *Fetcher) Search(ctx context.Context, text string) (deka.Outcome, error) {
	listingURL := m.listingURL(text)
	links, err := m.candidateLinks(ctx, listingURL)
	if err != nil {
		return deka.Outcome{}, err
	}
	if len(links) == 0 {
		m.logger.Debug("mirror listing has no posts", zap.String("query", text))
		return deka.Outcome{}, nil
	}

	pages := make([]*deka.Record, len(links))
	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.MaxConcurrency > 0 {
		g.SetLimit(m.cfg.MaxConcurrency)
	}
	for i, link := range links {
		g.Go(func() error {
			rec, err := m.fetchPage(gctx, link)
			if err != nil {
				m.logger.Debug("dropping mirror page", zap.String("url", link), zap.Error(err))
				return nil
			}
			pages[i] = &rec
			return nil
		})
	}
	// Page errors are absorbed above, so Wait only returns nil.
	_ = g.Wait()

	records := make([]deka.Record, 0, len(pages))
	for i, rec := range pages {
		if rec == nil {
			continue
		}
		rec.Metadata.Source = m.cfg.DisplayName + " " + links[i]
		records = append(records, *rec)
	}
	m.logger.Debug("mirror search finished",
		zap.String("query", text),
		zap.Int("candidates", len(links)),
		zap.Int("records", len(records)),
	)
	return deka.Outcome{Records: records}, nil
}

func (m *Fetcher) listingURL(text string) string {
	u := *m.search
	u.RawQuery = url.Values{"q": {text}}.Encode()
	return u.String()
}

func (m *Fetcher) candidateLinks(ctx context.Context, listingURL string) ([]string, error) {
	resp, err := m.fetcher.Fetch(ctx, deka.FetchRequest{URL: listingURL})
	if err != nil {
		return nil, fmt.Errorf("mirror listing: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mirror listing: status %d: %w", resp.StatusCode, deka.ErrTransientSource)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("mirror listing: parse html: %w: %w", deka.ErrStructuralParse, err)
	}

	base, err := url.Parse(listingURL)
	if err != nil {
		return nil, fmt.Errorf("mirror listing: %w: %w", deka.ErrTransientSource, err)
	}

	var links []string
	doc.FindMatcher(m.sel.listingPost).Each(func(_ int, post *goquery.Selection) {
		href, ok := post.FindMatcher(m.sel.postLink).First().Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			m.logger.Debug("skipping malformed post link", zap.String("href", href), zap.Error(err))
			return
		}
		links = append(links, base.ResolveReference(ref).String())
	})
	return links, nil
}

func (m *Fetcher) fetchPage(ctx context.Context, link string) (deka.Record, error) {
	resp, err := m.fetcher.Fetch(ctx, deka.FetchRequest{URL: link})
	if err != nil {
		metrics.ObserveMirrorPage(link, 0)
		return deka.Record{}, err
	}
	metrics.ObserveMirrorPage(link, resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return deka.Record{}, fmt.Errorf("status %d: %w", resp.StatusCode, deka.ErrTransientSource)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return deka.Record{}, fmt.Errorf("parse page: %w: %w", deka.ErrStructuralParse, err)
	}
	return m.extract(doc)
}

func (m *Fetcher) extract(doc *goquery.Document) (deka.Record, error) {
	title := doc.FindMatcher(m.sel.pageTitle).First()
	if title.Length() == 0 {
		return deka.Record{}, fmt.Errorf("page title missing: %w", deka.ErrStructuralParse)
	}
	body := doc.FindMatcher(m.sel.pageBody).First()
	if body.Length() == 0 {
		return deka.Record{}, fmt.Errorf("page content missing: %w", deka.ErrStructuralParse)
	}
	return normalize.Normalize(title.Text(), normalize.SplitLines(joinTextNodes(body.Get(0), "\n")))
}

// joinTextNodes joins every descendant text node of n with sep, in document
// order. Unlike Selection.Text it keeps a boundary between elements.
func joinTextNodes(n *html.Node, sep string) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, sep)
}
