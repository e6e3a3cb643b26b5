// Package normalize splits the unstructured text dump of a mirror case page into
// the fields of a deka.Record.
//
// The mirror marks no explicit boundaries, so the body is classified line by
// line by a three-state automaton:
//
//	shortNote --"เพิ่มเติม"--> longNote
//	shortNote --blank line--> lawMetadata
//
// Both lawMetadata and longNote are terminal. A blank line inside a genuine
// short note therefore ends it early; that fragility is accepted.
package normalize

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/itpcc/deka-supremecourt/internal/deka"
)

// MoreMarker is the line that introduces the extended note on mirror pages.
const MoreMarker = "เพิ่มเติม"

// MaxLawLineRunes bounds the length of a line still treated as a statute
// citation rather than narrative text.
const MaxLawLineRunes = 100

type state int

const (
	stateShortNote state = iota
	stateLawMetadata
	stateLongNote
)

func (s state) String() string {
	switch s {
	case stateShortNote:
		return "short_note"
	case stateLawMetadata:
		return "law_metadata"
	case stateLongNote:
		return "long_note"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type segmenter struct {
	state     state
	shortNote strings.Builder
	law       strings.Builder
	longNote  *strings.Builder
}

func (s *segmenter) feed(line string) {
	trimmed := strings.TrimSpace(line)
	switch s.state {
	case stateShortNote:
		switch {
		case trimmed == MoreMarker:
			s.longNote = &strings.Builder{}
			s.state = stateLongNote
		case trimmed == "":
			s.state = stateLawMetadata
		default:
			s.shortNote.WriteString(trimmed)
			s.shortNote.WriteByte('\n')
		}
	case stateLawMetadata:
		if isLawLine(trimmed) && s.shortNote.Len() > 0 {
			s.law.WriteString(trimmed)
			s.law.WriteByte('\n')
		}
	case stateLongNote:
		s.longNote.WriteString(trimmed)
		s.longNote.WriteByte('\n')
	}
}

func isLawLine(trimmed string) bool {
	return utf8.RuneCountInString(trimmed) < MaxLawLineRunes
}

// Normalize builds a record from a page title and its body lines. The case
// number is the trimmed title with Thai digits replaced; the long note is
// non-nil only when the "more" marker was present.
func Normalize(title string, lines []string) (deka.Record, error) {
	dekaNo := Digits(strings.TrimSpace(title))
	if dekaNo == "" {
		return deka.Record{}, fmt.Errorf("empty case title: %w", deka.ErrStructuralParse)
	}

	var seg segmenter
	for _, line := range lines {
		seg.feed(line)
	}

	rec := deka.Record{
		DekaNo:    dekaNo,
		ShortNote: seg.shortNote.String(),
		Metadata:  deka.Metadata{Law: seg.law.String()},
	}
	if seg.longNote != nil {
		long := seg.longNote.String()
		rec.LongNote = &long
	}
	return rec, nil
}

// LawLines runs the law-metadata phase alone over lines, assuming a non-empty
// short note was already collected.
func LawLines(lines []string) string {
	var b strings.Builder
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isLawLine(trimmed) {
			b.WriteString(trimmed)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// SplitLines splits text on "\n", strips a trailing "\r" from each line and
// drops the empty element after a final newline.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
