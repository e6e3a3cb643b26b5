package automation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/deka"
)

const testBaseURL = "http://deka.test"

func newTestDriver(cfg Config, blobs deka.BlobStore) *Driver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL
	}
	if cfg.ResultTimeout == 0 {
		cfg.ResultTimeout = time.Second
	}
	if cfg.ElementTimeout == 0 {
		cfg.ElementTimeout = time.Second
	}
	return NewDriver(cfg, blobs, fixedClock{time.Unix(1700000000, 0)}, zap.NewNop())
}

func ptr[T any](v T) *T { return &v }

func TestByNumberWithoutLongNote(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults(
		[5]string{"คำพิพากษาศาลฎีกาที่ 264/2567", " ย่อสั้น ", "", "ป.พ.พ. มาตรา 420", "แผนกคดีแพ่ง"},
	)
	d := newTestDriver(Config{}, nil)

	out, err := d.Run(context.Background(), page, deka.ByNumber(deka.NumberQuery{Serial: "264", Year: 2567}))
	require.NoError(t, err)
	require.Len(t, out.Records, 1)

	rec := out.Records[0]
	assert.Equal(t, "264/2567", rec.DekaNo)
	assert.Equal(t, "ย่อสั้น", rec.ShortNote)
	assert.Nil(t, rec.LongNote)
	assert.Equal(t, "ป.พ.พ. มาตรา 420", rec.Metadata.Law)
	assert.Equal(t, "แผนกคดีแพ่ง", rec.Metadata.Source)

	calls := page.Calls()
	assert.Equal(t, "navigate "+testBaseURL+"/", calls[0])
	assert.Subset(t, calls, []string{
		"select #search_doctype=" + DocTypeSupremeCourt,
		"fill #search_deka_no=264",
		"fill #search_deka_start_year=2567",
		"fill #search_deka_end_year=2567",
		"click #submit_search_deka",
		"waitpath /search",
		"wait #deka_result_info",
	})
	assert.False(t, page.called("click "+selLongToggleBtn))
	assert.False(t, page.called("click "+selChooseAll), "print view must not run")
	assert.False(t, page.called("waitpath "+printPath))
	assert.False(t, page.called("screenshot"))
}

func TestByNumberPrintViewFillsMissingLongNotes(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults(
		[5]string{"คำพิพากษาศาลฎีกาที่ 264/2567", "ย่อ 1", "", "ป.พ.พ. มาตรา 420", "แผนก 1"},
		[5]string{"คำพิพากษาศาลฎีกาที่ 265/2567", "ย่อ 2", "เต็มจากหน้าผลลัพธ์", "ป.พ.พ. มาตรา 421", "แผนก 2"},
	)
	page.within[selPrintPage+"|"+selPrintColumn] = [][]string{
		{"ส่วนหัว", "ศาลฎีกาวินิจฉัยว่า ข้อเท็จจริงฟังได้ว่า", " พิพากษายืน"},
		{"ศาลฎีกาวินิจฉัยว่า ไม่ควรแทนที่"},
		{"ศาลฎีกาวินิจฉัยว่า ไม่มีเรื่องนี้"},
	}
	page.within[selPrintPage+"|"+selPrintParagraph] = [][]string{
		{"หมายเหตุ", "คำพิพากษาศาลฎีกาที่ ๒๖๔/๒๕๖๗"},
		{"คำพิพากษาศาลฎีกาที่ 265/2567"},
		{"คำพิพากษาศาลฎีกาที่ 999/2567"},
	}
	d := newTestDriver(Config{}, nil)

	out, err := d.ByNumber(context.Background(), page, deka.NumberQuery{Serial: "264", Year: 2567, WithLongNote: true})
	require.NoError(t, err)
	require.Len(t, out.Records, 2)

	require.NotNil(t, out.Records[0].LongNote)
	assert.Equal(t, "ศาลฎีกาวินิจฉัยว่า ข้อเท็จจริงฟังได้ว่า", *out.Records[0].LongNote)
	require.NotNil(t, out.Records[1].LongNote)
	assert.Equal(t, "เต็มจากหน้าผลลัพธ์", *out.Records[1].LongNote, "inline long notes are kept")

	assert.Subset(t, page.Calls(), []string{
		"click " + selLongToggleBtn,
		"wait " + selLongToggle,
		"click " + selLongToggleLbl,
		"click " + selChooseAll,
		"click " + selPrintChosen,
		"waitpath " + printPath,
	})
}

func TestByNumberSkipsPrintViewWhenAllNotesInline(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults(
		[5]string{"ฎีกา 1/2567", "ย่อ", "เต็ม", "กฎหมาย", "แหล่ง"},
	)
	out, err := newTestDriver(Config{}, nil).ByNumber(context.Background(), page, deka.NumberQuery{Serial: "1", Year: 2567, WithLongNote: true})
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	assert.True(t, page.called("click "+selLongToggleBtn))
	assert.False(t, page.called("click "+selChooseAll))
}

func TestPrintBlockWithoutReasoningAttachesEmptyNote(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults(
		[5]string{"คำพิพากษาศาลฎีกาที่ 264/2567", "ย่อ", "", "กฎหมาย", "แหล่ง"},
	)
	page.within[selPrintPage+"|"+selPrintColumn] = [][]string{{"ส่วนหัว", "พิพากษายืน"}}
	page.within[selPrintPage+"|"+selPrintParagraph] = [][]string{{"คำพิพากษาศาลฎีกาที่ 264/2567"}}

	out, err := newTestDriver(Config{}, nil).ByNumber(context.Background(), page, deka.NumberQuery{Serial: "264", Year: 2567, WithLongNote: true})
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	require.NotNil(t, out.Records[0].LongNote)
	assert.Empty(t, *out.Records[0].LongNote)
}

func TestWaitForResultsTimeout(t *testing.T) {
	t.Parallel()

	page := newFakePage() // submit never navigates
	d := newTestDriver(Config{ResultTimeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := d.ByNumber(context.Background(), page, deka.NumberQuery{Serial: "264", Year: 2567})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.ErrorIs(t, err, deka.ErrAutomationTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var step *deka.StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, "wait for results page", step.Step)
	assert.False(t, page.calledPrefix("attrs "))
}

func TestMissingElementIsStepError(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults()
	page.failOn["click "+selBasicSubmit] = errors.New("could not find node")

	_, err := newTestDriver(Config{}, nil).ByNumber(context.Background(), page, deka.NumberQuery{Serial: "1", Year: 2567})
	require.ErrorIs(t, err, deka.ErrAutomationStep)
	assert.NotErrorIs(t, err, deka.ErrAutomationTimeout)
	assert.Contains(t, err.Error(), "click #submit_search_deka")
}

func TestNoResultItemsIsEmptyOutcome(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults()
	out, err := newTestDriver(Config{}, nil).ByNumber(context.Background(), page, deka.NumberQuery{Serial: "1", Year: 2567, WithLongNote: true})
	require.NoError(t, err)
	assert.False(t, out.Found())
	assert.False(t, page.called("click "+selChooseAll))
}

func TestIncompleteItemsAreDropped(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults(
		[5]string{"คำพิพากษาศาลฎีกาที่ 1/2567", "", "", "กฎหมาย", "แหล่ง"},
		[5]string{"", "ย่อ", "", "กฎหมาย", "แหล่ง"},
		[5]string{"คำพิพากษาศาลฎีกาที่ 3/2567", "ย่อ", "", "", "แหล่ง"},
		[5]string{"๔/๒๕๖๗", "ย่อ", "  ", "กฎหมาย", "แหล่ง"},
	)
	out, err := newTestDriver(Config{}, nil).ByNumber(context.Background(), page, deka.NumberQuery{Serial: "4", Year: 2567})
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	assert.Equal(t, "4/2567", out.Records[0].DekaNo)
	assert.Nil(t, out.Records[0].LongNote, "blank long note reads as absent")
}

func TestBySearchAdvancedPicksFirstMatchingLaw(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults(
		[5]string{"คำพิพากษาศาลฎีกาที่ 5/2565", "ย่อ", "", "ป.พ.พ. มาตรา 420", "แหล่ง"},
	)
	page.texts[selAutocompleteItem] = []string{
		"ประมวลกฎหมายอาญา",
		"ประมวลกฎหมายแพ่งและพาณิชย์",
		"ประมวลกฎหมายแพ่งและพาณิชย์ (ฉบับเก่า)",
	}

	out, err := newTestDriver(Config{}, nil).Run(context.Background(), page, deka.BySearch(deka.SearchQuery{
		Words:      []string{"เช่าซื้อ", "รถยนต์"},
		Law:        ptr("ประมวลกฎหมายแพ่งและพาณิชย์"),
		LawSection: ptr("420"),
		CaseFrom:   ptr(2560),
		CaseTo:     ptr(2567),
	}))
	require.NoError(t, err)
	assert.True(t, out.Found())

	calls := page.Calls()
	assert.Subset(t, calls, []string{
		"viewport 1920x1080",
		"click " + selAdvancedTab,
		"wait " + selAdvancedPane,
		"select #adv_search_doctype=" + DocTypeSupremeCourt,
		"fill #adv_search_word_stext_and_ltext=เช่าซื้อ .และ. รถยนต์",
		"click " + selAdvancedLawName,
		"fill #adv_search_temp_law_name=ประมวลกฎหมายแพ่งและพาณิชย์",
		"wait " + selAutocomplete,
		"clicknth " + selAutocompleteItem + "#1",
		"fill #adv_search_temp_law_section=420",
		"fill #adv_search_deka_start_year=2560",
		"fill #adv_search_deka_end_year=2567",
	})
	assert.False(t, page.called("clicknth "+selAutocompleteItem+"#2"))

	scroll, submit := indexOf(calls, "scroll"), indexOf(calls, "click "+selAdvancedSubmit)
	require.NotEqual(t, -1, scroll)
	assert.Less(t, scroll, submit)
}

func TestBySearchUnknownLawFails(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults()
	page.texts[selAutocompleteItem] = []string{"ประมวลกฎหมายอาญา"}

	_, err := newTestDriver(Config{}, nil).BySearch(context.Background(), page, deka.SearchQuery{
		Words: []string{"ลักทรัพย์"},
		Law:   ptr("พระราชบัญญัติที่ไม่มีอยู่"),
	})
	require.ErrorIs(t, err, deka.ErrAutomationStep)
	assert.False(t, page.called("click "+selAdvancedSubmit))
}

func TestBySearchBasicForm(t *testing.T) {
	t.Parallel()

	page := newFakePage().withResults(
		[5]string{"คำพิพากษาศาลฎีกาที่ 9/2560", "ย่อ", "", "ป.อ. มาตรา 334", "แหล่ง"},
	)
	_, err := newTestDriver(Config{}, nil).BySearch(context.Background(), page, deka.SearchQuery{
		Words:    []string{"ลักทรัพย์", " ", "กลางคืน"},
		CaseFrom: ptr(2560),
	})
	require.NoError(t, err)

	assert.Subset(t, page.Calls(), []string{
		"select #search_doctype=" + DocTypeSupremeCourt,
		"fill #search_word=ลักทรัพย์ .และ. กลางคืน",
		"fill #search_deka_start_year=2560",
		"fill #search_deka_end_year=2560",
		"click #submit_search_deka",
	})
	assert.False(t, page.called("click "+selAdvancedTab))
}

func TestScreenshotsAreStoredAndBestEffort(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobs{}
	page := newFakePage().withResults(
		[5]string{"คำพิพากษาศาลฎีกาที่ 264/2567", "ย่อ", "", "กฎหมาย", "แหล่ง"},
	)
	d := newTestDriver(Config{Screenshots: true, ArtifactPrefix: "screenshots"}, blobs)

	_, err := d.ByNumber(context.Background(), page, deka.NumberQuery{Serial: "264", Year: 2567})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"screenshots/deka.supremecourt-no-form-264-2567-1700000000.png",
		"screenshots/deka.supremecourt-no-264-2567-1700000000.png",
	}, blobs.keys())

	failing := newFakePage().withResults(
		[5]string{"คำพิพากษาศาลฎีกาที่ 264/2567", "ย่อ", "", "กฎหมาย", "แหล่ง"},
	)
	failing.failOn["screenshot"] = errors.New("target closed")
	out, err := d.ByNumber(context.Background(), failing, deka.NumberQuery{Serial: "264", Year: 2567})
	require.NoError(t, err)
	assert.True(t, out.Found())
}

func TestParseHiddenDekaNo(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"คำพิพากษาศาลฎีกาที่ 264/2567":  "264/2567",
		"คำพิพากษาศาลฎีกาที่   ๒๖๔/๒๕๖๗ ": "264/2567",
		"264/2567":                      "264/2567",
		"  ":                            "",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseHiddenDekaNo(in), "input %q", in)
	}
}

func TestParsePrintBlockLastNumberWins(t *testing.T) {
	t.Parallel()

	no, long := parsePrintBlock(
		[]string{"ศาลฎีกาวินิจฉัยว่า ก", "อื่น", "ศาลฎีกาวินิจฉัยว่า ข"},
		[]string{"คำพิพากษาศาลฎีกาที่ 1/2567", "คำสั่งศาลฎีกาที่ 2/2567", "ไม่เกี่ยว"},
	)
	assert.Equal(t, "2/2567", no)
	assert.Equal(t, "ศาลฎีกาวินิจฉัยว่า กศาลฎีกาวินิจฉัยว่า ข", long)
}

func indexOf(calls []string, want string) int {
	for i, c := range calls {
		if c == want {
			return i
		}
	}
	return -1
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeBlobs struct {
	mu    sync.Mutex
	paths []string
}

func (b *fakeBlobs) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if contentType != "image/png" {
		return "", errors.New("unexpected content type " + contentType)
	}
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

func (b *fakeBlobs) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}
