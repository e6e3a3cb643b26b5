// Package automation drives the Supreme Court's search site
// (deka.supremecourt.or.th) through its own forms. The site renders results
// with scripts, so every workflow runs on a real browser tab described by the
// Page interface.
package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/normalize"
)

// Site constants.
const (
	DefaultBaseURL = "http://deka.supremecourt.or.th"

	DocTypeSupremeCourt = "คำพิพากษาศาลฎีกา"
	KeywordConjunction  = " .และ. "
	ReasoningMarker     = "ศาลฎีกาวินิจฉัยว่า"

	resultsPath = "/search"
	printPath   = "/printing/dekaall"
)

const (
	selBasicDocType   = "#search_doctype"
	selBasicDekaNo    = "#search_deka_no"
	selBasicStartYear = "#search_deka_start_year"
	selBasicEndYear   = "#search_deka_end_year"
	selBasicWord      = "#search_word"
	selBasicSubmit    = "#submit_search_deka"

	selAdvancedTab       = `#search-tab a[href="#advance-search"]`
	selAdvancedPane      = "#advance-search"
	selAdvancedDocType   = "#adv_search_doctype"
	selAdvancedWords     = "#adv_search_word_stext_and_ltext"
	selAdvancedLawName   = "#adv_search_temp_law_name"
	selAdvancedLawSect   = "#adv_search_temp_law_section"
	selAdvancedStartYear = "#adv_search_deka_start_year"
	selAdvancedEndYear   = "#adv_search_deka_end_year"
	selAdvancedSubmit    = "#submit_adv_search_deka"
	selAutocomplete      = "ul.ui-autocomplete"
	selAutocompleteItem  = "ul.ui-autocomplete li a"

	selResultInfo     = "#deka_result_info"
	selLongToggleBtn  = "#btn-show-result-item"
	selLongToggle     = "#show_item_long_text"
	selLongToggleLbl  = `label[for="show_item_long_text"]`
	selResultItem     = "#deka_result_info li.result"
	selItemDekaNo     = ".item_deka_no input[type=hidden]"
	selItemShortText  = ".item_short_text"
	selItemLongText   = ".item_long_text"
	selItemLaw        = ".item_law>ul"
	selItemSource     = ".item_source>ul"
	selChooseAll      = "#choose_all_deka"
	selPrintChosen    = "#print_choose_deka"
	selPrintLayer     = "#print-layer"
	selPrintPage      = "#print-layer page"
	selPrintColumn    = ".row>.col-lg-12"
	selPrintParagraph = "div>p"
)

var (
	hiddenDekaNoPattern = regexp.MustCompile(`^(.*)\s+(?P<dkn>\S.*)$`)
	printDekaNoPattern  = regexp.MustCompile(`^คำ.*ศาลฎีกาที่\s+(?P<dkn>.*)$`)
)

// Config controls the workflows.
type Config struct {
	BaseURL        string
	ResultTimeout  time.Duration
	ElementTimeout time.Duration
	Screenshots    bool
	ArtifactPrefix string
	WindowWidth    int
	WindowHeight   int
}

// Driver runs search workflows on a Page. It holds no per-query state, but a
// Page must only be driven by one workflow at a time.
type Driver struct {
	cfg    Config
	blobs  deka.BlobStore
	clock  deka.Clock
	logger *zap.Logger
}

// NewDriver fills config defaults. blobs may be nil when screenshots are off.
func NewDriver(cfg Config, blobs deka.BlobStore, clock deka.Clock, logger *zap.Logger) *Driver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 30 * time.Second
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = 10 * time.Second
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1920, 1080
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, blobs: blobs, clock: clock, logger: logger.Named("automation")}
}

// Run dispatches q to the matching workflow.
func (d *Driver) Run(ctx context.Context, page Page, q deka.Query) (deka.Outcome, error) {
	switch {
	case q.Number != nil:
		return d.ByNumber(ctx, page, *q.Number)
	case q.Search != nil:
		return d.BySearch(ctx, page, *q.Search)
	default:
		return deka.Outcome{}, fmt.Errorf("automation: %w: empty query", deka.ErrInvalidQuery)
	}
}

// ByNumber fills the basic form with a case serial and year.
func (d *Driver) ByNumber(ctx context.Context, page Page, q deka.NumberQuery) (deka.Outcome, error) {
	year := strconv.Itoa(q.Year)
	serial := strings.TrimSpace(q.Serial)

	if err := d.open(ctx, page); err != nil {
		return deka.Outcome{}, err
	}
	if err := d.runAll(ctx, []action{
		selectOption(page, selBasicDocType, DocTypeSupremeCourt),
		fill(page, selBasicDekaNo, serial),
		fill(page, selBasicStartYear, year),
		fill(page, selBasicEndYear, year),
	}); err != nil {
		return deka.Outcome{}, err
	}
	d.screenshot(ctx, page, fmt.Sprintf("deka.supremecourt-no-form-%s-%s.png", serial, year))
	if err := d.runAll(ctx, []action{click(page, selBasicSubmit)}); err != nil {
		return deka.Outcome{}, err
	}

	out, err := d.collect(ctx, page, q.WithLongNote)
	d.screenshot(ctx, page, fmt.Sprintf("deka.supremecourt-no-%s-%s.png", serial, year))
	return out, err
}

// BySearch uses the advanced form when a statute name is given and the basic
// keyword form otherwise.
func (d *Driver) BySearch(ctx context.Context, page Page, q deka.SearchQuery) (deka.Outcome, error) {
	keywords := strings.Join(q.Keywords(), KeywordConjunction)

	if err := d.open(ctx, page); err != nil {
		return deka.Outcome{}, err
	}
	if err := d.act(ctx, "set viewport", func(ctx context.Context) error {
		return page.SetViewport(ctx, d.cfg.WindowWidth, d.cfg.WindowHeight)
	}); err != nil {
		return deka.Outcome{}, err
	}

	var err error
	if q.LawName() != "" {
		err = d.advancedSearch(ctx, page, q, keywords)
	} else {
		err = d.basicSearch(ctx, page, q, keywords)
	}
	if err != nil {
		return deka.Outcome{}, err
	}

	out, err := d.collect(ctx, page, q.WithLongNote)
	d.screenshot(ctx, page, fmt.Sprintf("deka.supremecourt-search-%s.png", keywords))
	return out, err
}

func (d *Driver) basicSearch(ctx context.Context, page Page, q deka.SearchQuery, keywords string) error {
	steps := []action{
		selectOption(page, selBasicDocType, DocTypeSupremeCourt),
		fill(page, selBasicWord, keywords),
	}
	if from, to, ok := q.YearRange(); ok {
		steps = append(steps,
			fill(page, selBasicStartYear, strconv.Itoa(from)),
			fill(page, selBasicEndYear, strconv.Itoa(to)),
		)
	}
	return d.runAll(ctx, append(steps, click(page, selBasicSubmit)))
}

func (d *Driver) advancedSearch(ctx context.Context, page Page, q deka.SearchQuery, keywords string) error {
	law := q.LawName()

	if err := d.runAll(ctx, []action{click(page, selAdvancedTab)}); err != nil {
		return err
	}
	if err := d.wait(ctx, "wait "+selAdvancedPane, d.cfg.ElementTimeout, func(ctx context.Context) error {
		return page.WaitPresent(ctx, selAdvancedPane)
	}); err != nil {
		return err
	}
	if err := d.runAll(ctx, []action{
		selectOption(page, selAdvancedDocType, DocTypeSupremeCourt),
		fill(page, selAdvancedWords, keywords),
		click(page, selAdvancedLawName),
		fill(page, selAdvancedLawName, law),
	}); err != nil {
		return err
	}
	if err := d.wait(ctx, "wait "+selAutocomplete, d.cfg.ElementTimeout, func(ctx context.Context) error {
		return page.WaitPresent(ctx, selAutocomplete)
	}); err != nil {
		return err
	}
	if err := d.act(ctx, "choose law "+law, func(ctx context.Context) error {
		return pickAutocomplete(ctx, page, law)
	}); err != nil {
		return err
	}

	var steps []action
	if section := q.Section(); section != "" {
		steps = append(steps, fill(page, selAdvancedLawSect, section))
	}
	if from, to, ok := q.YearRange(); ok {
		steps = append(steps,
			fill(page, selAdvancedStartYear, strconv.Itoa(from)),
			fill(page, selAdvancedEndYear, strconv.Itoa(to)),
		)
	}
	steps = append(steps,
		action{name: "scroll to submit", fn: page.ScrollToBottom},
		click(page, selAdvancedSubmit),
	)
	return d.runAll(ctx, steps)
}

// pickAutocomplete clicks the first suggestion containing law. Later matches
// are ignored even when several statutes share the substring.
func pickAutocomplete(ctx context.Context, page Page, law string) error {
	items, err := page.Texts(ctx, selAutocompleteItem)
	if err != nil {
		return err
	}
	for i, text := range items {
		if strings.Contains(text, law) {
			return page.ClickNth(ctx, selAutocompleteItem, i)
		}
	}
	return fmt.Errorf("no suggestion contains %q among %d", law, len(items))
}

func (d *Driver) open(ctx context.Context, page Page) error {
	return d.act(ctx, "open "+d.cfg.BaseURL, func(ctx context.Context) error {
		return page.Navigate(ctx, d.cfg.BaseURL+"/")
	})
}

// collect is the shared tail after a form was submitted.
func (d *Driver) collect(ctx context.Context, page Page, withLongNote bool) (deka.Outcome, error) {
	if err := d.wait(ctx, "wait for results page", d.cfg.ResultTimeout, func(ctx context.Context) error {
		return page.WaitPath(ctx, resultsPath)
	}); err != nil {
		return deka.Outcome{}, err
	}
	if err := d.wait(ctx, "wait "+selResultInfo, d.cfg.ResultTimeout, func(ctx context.Context) error {
		return page.WaitPresent(ctx, selResultInfo)
	}); err != nil {
		return deka.Outcome{}, err
	}

	if withLongNote {
		if err := d.expandLongNotes(ctx, page); err != nil {
			return deka.Outcome{}, err
		}
	}

	var records []deka.Record
	if err := d.act(ctx, "extract result items", func(ctx context.Context) error {
		var err error
		records, err = extractItems(ctx, page)
		return err
	}); err != nil {
		return deka.Outcome{}, err
	}
	if len(records) == 0 {
		return deka.Outcome{}, nil
	}

	if withLongNote && anyMissingLongNote(records) {
		if err := d.printView(ctx, page, records); err != nil {
			return deka.Outcome{}, err
		}
	}
	return deka.Outcome{Records: records}, nil
}

func (d *Driver) expandLongNotes(ctx context.Context, page Page) error {
	if err := d.runAll(ctx, []action{click(page, selLongToggleBtn)}); err != nil {
		return err
	}
	if err := d.wait(ctx, "wait "+selLongToggle, d.cfg.ElementTimeout, func(ctx context.Context) error {
		return page.WaitPresent(ctx, selLongToggle)
	}); err != nil {
		return err
	}
	return d.runAll(ctx, []action{click(page, selLongToggleLbl)})
}

// extractItems reads every result item. Items missing the case number, short
// note, statute or source are dropped.
func extractItems(ctx context.Context, page Page) ([]deka.Record, error) {
	numbers, err := page.AttrsWithin(ctx, selResultItem, selItemDekaNo, "value")
	if err != nil {
		return nil, err
	}
	shorts, err := page.TextsWithin(ctx, selResultItem, selItemShortText)
	if err != nil {
		return nil, err
	}
	longs, err := page.TextsWithin(ctx, selResultItem, selItemLongText)
	if err != nil {
		return nil, err
	}
	laws, err := page.TextsWithin(ctx, selResultItem, selItemLaw)
	if err != nil {
		return nil, err
	}
	sources, err := page.TextsWithin(ctx, selResultItem, selItemSource)
	if err != nil {
		return nil, err
	}

	records := make([]deka.Record, 0, len(numbers))
	for i := range numbers {
		number, ok := first(numbers, i)
		if !ok {
			continue
		}
		short, ok := first(shorts, i)
		if !ok {
			continue
		}
		law, ok := first(laws, i)
		if !ok {
			continue
		}
		source, ok := first(sources, i)
		if !ok {
			continue
		}
		rec := deka.Record{
			DekaNo:    parseHiddenDekaNo(number),
			ShortNote: strings.TrimSpace(short),
			Metadata: deka.Metadata{
				Law:    strings.TrimSpace(law),
				Source: strings.TrimSpace(source),
			},
		}
		if rec.DekaNo == "" {
			continue
		}
		if long, ok := first(longs, i); ok {
			if trimmed := strings.TrimSpace(long); trimmed != "" {
				rec.LongNote = &trimmed
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func first(groups [][]string, i int) (string, bool) {
	if i >= len(groups) || len(groups[i]) == 0 {
		return "", false
	}
	return groups[i][0], true
}

// parseHiddenDekaNo takes the last whitespace-separated part of the hidden
// "label number" value. Without a separator the whole value is the number.
func parseHiddenDekaNo(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := hiddenDekaNoPattern.FindStringSubmatch(raw); m != nil {
		if dkn := strings.TrimSpace(m[hiddenDekaNoPattern.SubexpIndex("dkn")]); dkn != "" {
			return normalize.Digits(dkn)
		}
	}
	return normalize.Digits(raw)
}

func anyMissingLongNote(records []deka.Record) bool {
	for _, r := range records {
		if !r.HasLongNote() {
			return true
		}
	}
	return false
}

// printView opens the printable layout of every result and fills in the long
// notes that were not rendered inline. Notes are matched by exact case number.
func (d *Driver) printView(ctx context.Context, page Page, records []deka.Record) error {
	if err := d.runAll(ctx, []action{click(page, selChooseAll), click(page, selPrintChosen)}); err != nil {
		return err
	}
	if err := d.wait(ctx, "wait for print page", d.cfg.ResultTimeout, func(ctx context.Context) error {
		return page.WaitPath(ctx, printPath)
	}); err != nil {
		return err
	}
	if err := d.wait(ctx, "wait "+selPrintLayer, d.cfg.ElementTimeout, func(ctx context.Context) error {
		return page.WaitPresent(ctx, selPrintLayer)
	}); err != nil {
		return err
	}

	var columns, paragraphs [][]string
	if err := d.act(ctx, "read print blocks", func(ctx context.Context) error {
		var err error
		if columns, err = page.TextsWithin(ctx, selPrintPage, selPrintColumn); err != nil {
			return err
		}
		paragraphs, err = page.TextsWithin(ctx, selPrintPage, selPrintParagraph)
		return err
	}); err != nil {
		return err
	}

	filled := 0
	for i := range columns {
		var paras []string
		if i < len(paragraphs) {
			paras = paragraphs[i]
		}
		dekaNo, long := parsePrintBlock(columns[i], paras)
		if dekaNo == "" {
			continue
		}
		for j := range records {
			if records[j].DekaNo == dekaNo && !records[j].HasLongNote() {
				note := long
				records[j].LongNote = &note
				filled++
				break
			}
		}
	}
	d.logger.Debug("print view finished", zap.Int("blocks", len(columns)), zap.Int("filled", filled))
	return nil
}

// parsePrintBlock concatenates the reasoning columns of one printed case and
// finds its case number; the last matching paragraph wins.
func parsePrintBlock(columns, paragraphs []string) (string, string) {
	var long strings.Builder
	for _, text := range columns {
		if strings.Contains(text, ReasoningMarker) {
			long.WriteString(text)
		}
	}
	var dekaNo string
	for _, text := range paragraphs {
		if m := printDekaNoPattern.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
			dekaNo = normalize.Digits(strings.TrimSpace(m[printDekaNoPattern.SubexpIndex("dkn")]))
		}
	}
	return dekaNo, strings.TrimSpace(long.String())
}

type action struct {
	name string
	fn   func(context.Context) error
}

func selectOption(page Page, sel, label string) action {
	return action{name: "select " + sel, fn: func(ctx context.Context) error {
		return page.SelectOption(ctx, sel, label)
	}}
}

func fill(page Page, sel, value string) action {
	return action{name: "fill " + sel, fn: func(ctx context.Context) error {
		return page.Fill(ctx, sel, value)
	}}
}

func click(page Page, sel string) action {
	return action{name: "click " + sel, fn: func(ctx context.Context) error {
		return page.Click(ctx, sel)
	}}
}

func (d *Driver) runAll(ctx context.Context, steps []action) error {
	for _, st := range steps {
		if err := d.act(ctx, st.name, st.fn); err != nil {
			return err
		}
	}
	return nil
}

// act runs a page action bounded by the element timeout. Running out of time
// here means the element never became usable, so it is a step failure.
func (d *Driver) act(ctx context.Context, name string, fn func(context.Context) error) error {
	return d.step(ctx, name, d.cfg.ElementTimeout, deka.ErrAutomationStep, fn)
}

// wait runs a wait bounded by timeout; running out of time is a timeout.
func (d *Driver) wait(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	return d.step(ctx, name, timeout, deka.ErrAutomationTimeout, fn)
}

func (d *Driver) step(
	ctx context.Context,
	name string,
	timeout time.Duration,
	onDeadline error,
	fn func(context.Context) error,
) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(stepCtx)
	if err == nil {
		d.logger.Debug("automation step done", zap.String("step", name), zap.Duration("took", time.Since(start)))
		return nil
	}
	kind := deka.ErrAutomationStep
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		kind = onDeadline
	}
	d.logger.Warn("automation step failed", zap.String("step", name), zap.Error(err))
	return &deka.StepError{Step: name, Kind: kind, Err: err}
}

// screenshot stores a debug capture when enabled. Failures are only logged.
func (d *Driver) screenshot(ctx context.Context, page Page, name string) {
	if !d.cfg.Screenshots || d.blobs == nil {
		return
	}
	var now time.Time
	if d.clock != nil {
		now = d.clock.Now()
	} else {
		now = time.Now()
	}
	name = strings.Replace(name, ".png", fmt.Sprintf("-%d.png", now.Unix()), 1)
	key := path.Join(d.cfg.ArtifactPrefix, name)

	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ElementTimeout)
	defer cancel()
	data, err := page.Screenshot(shotCtx)
	if err != nil {
		d.logger.Warn("screenshot failed", zap.String("name", key), zap.Error(err))
		return
	}
	uri, err := d.blobs.PutObject(shotCtx, key, "image/png", bytes.NewReader(data))
	if err != nil {
		d.logger.Warn("storing screenshot failed", zap.String("name", key), zap.Error(err))
		return
	}
	d.logger.Debug("screenshot stored", zap.String("uri", uri))
}
