package deka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mode tags the query variant on the wire.
type Mode string

// Query variants.
const (
	ModeNumber Mode = "number"
	ModeSearch Mode = "search"
)

// NumberQuery looks a case up by its serial and Buddhist-era year.
type NumberQuery struct {
	Serial       string `json:"dekaSerial"`
	Year         int    `json:"dekaYear"`
	WithLongNote bool   `json:"withLongNote"`
}

// SearchQuery looks cases up by keywords and optional statute filters.
type SearchQuery struct {
	Words        []string `json:"searchWords"`
	Law          *string  `json:"searchLaw,omitempty"`
	LawSection   *string  `json:"searchLawNo,omitempty"`
	CaseFrom     *int     `json:"caseFrom,omitempty"`
	CaseTo       *int     `json:"caseTo,omitempty"`
	WithLongNote bool     `json:"withLongNote"`
}

// Query is the tagged union of NumberQuery and SearchQuery. Exactly one of the
// two pointers is set on a valid query.
type Query struct {
	Number *NumberQuery
	Search *SearchQuery
}

// ByNumber wraps a NumberQuery.
func ByNumber(q NumberQuery) Query {
	return Query{Number: &q}
}

// BySearch wraps a SearchQuery.
func BySearch(q SearchQuery) Query {
	return Query{Search: &q}
}

// Mode returns the variant tag, or an empty mode when neither variant is set.
func (q Query) Mode() Mode {
	switch {
	case q.Number != nil:
		return ModeNumber
	case q.Search != nil:
		return ModeSearch
	default:
		return ""
	}
}

// WithLongNote reports whether the caller asked for extended notes.
func (q Query) WithLongNote() bool {
	switch {
	case q.Number != nil:
		return q.Number.WithLongNote
	case q.Search != nil:
		return q.Search.WithLongNote
	default:
		return false
	}
}

// Validate enforces the per-variant invariants.
func (q Query) Validate() error {
	switch {
	case q.Number != nil && q.Search != nil:
		return fmt.Errorf("%w: both number and search set", ErrInvalidQuery)
	case q.Number != nil:
		return q.Number.Validate()
	case q.Search != nil:
		return q.Search.Validate()
	default:
		return fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
}

// Validate requires a serial and a positive year.
func (q NumberQuery) Validate() error {
	if strings.TrimSpace(q.Serial) == "" {
		return fmt.Errorf("%w: dekaSerial is required", ErrInvalidQuery)
	}
	if q.Year <= 0 {
		return fmt.Errorf("%w: dekaYear must be > 0", ErrInvalidQuery)
	}
	return nil
}

// Validate requires at least one keyword and an ordered year range.
func (q SearchQuery) Validate() error {
	if len(q.Keywords()) == 0 {
		return fmt.Errorf("%w: searchWords must contain a keyword", ErrInvalidQuery)
	}
	if q.CaseTo != nil && q.CaseFrom == nil {
		return fmt.Errorf("%w: caseTo requires caseFrom", ErrInvalidQuery)
	}
	if q.CaseFrom != nil && q.CaseTo != nil && *q.CaseTo < *q.CaseFrom {
		return fmt.Errorf("%w: caseTo %d before caseFrom %d", ErrInvalidQuery, *q.CaseTo, *q.CaseFrom)
	}
	return nil
}

// Keywords returns the non-blank search words in their original order.
func (q SearchQuery) Keywords() []string {
	out := make([]string, 0, len(q.Words))
	for _, w := range q.Words {
		if strings.TrimSpace(w) != "" {
			out = append(out, w)
		}
	}
	return out
}

// LawName returns the requested statute name, or "" when none was given.
func (q SearchQuery) LawName() string {
	if q.Law == nil {
		return ""
	}
	return strings.TrimSpace(*q.Law)
}

// Section returns the requested statute section, or "" when none was given.
func (q SearchQuery) Section() string {
	if q.LawSection == nil {
		return ""
	}
	return strings.TrimSpace(*q.LawSection)
}

// YearRange returns the case year window. caseTo defaults to caseFrom.
func (q SearchQuery) YearRange() (from, to int, ok bool) {
	if q.CaseFrom == nil {
		return 0, 0, false
	}
	from = *q.CaseFrom
	to = from
	if q.CaseTo != nil {
		to = *q.CaseTo
	}
	return from, to, true
}

// CaseNumber renders the "{serial}/{year}" form used by both sources.
func (q NumberQuery) CaseNumber() string {
	return strings.TrimSpace(q.Serial) + "/" + strconv.Itoa(q.Year)
}

// MirrorText renders the free-text query sent to the mirror search endpoint.
func (q Query) MirrorText() string {
	switch {
	case q.Number != nil:
		return q.Number.CaseNumber()
	case q.Search != nil:
		s := q.Search
		from := ""
		if s.CaseFrom != nil {
			from = strconv.Itoa(*s.CaseFrom)
		}
		return strings.Join([]string{strings.Join(s.Words, " "), s.LawName(), s.Section(), from}, " ")
	default:
		return ""
	}
}

// String gives a compact description for logs.
func (q Query) String() string {
	switch {
	case q.Number != nil:
		return "number:" + q.Number.CaseNumber()
	case q.Search != nil:
		return "search:" + strings.Join(q.Search.Words, ",")
	default:
		return "empty"
	}
}

type queryTag struct {
	Mode Mode `json:"mode"`
}

// MarshalJSON writes the internally tagged form {"mode": ..., <variant fields>}.
func (q Query) MarshalJSON() ([]byte, error) {
	switch {
	case q.Number != nil:
		return json.Marshal(struct {
			Mode Mode `json:"mode"`
			NumberQuery
		}{ModeNumber, *q.Number})
	case q.Search != nil:
		return json.Marshal(struct {
			Mode Mode `json:"mode"`
			SearchQuery
		}{ModeSearch, *q.Search})
	default:
		return nil, errors.New("marshal query: no variant set")
	}
}

// UnmarshalJSON reads the internally tagged form.
func (q *Query) UnmarshalJSON(data []byte) error {
	var tag queryTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("decode query mode: %w", err)
	}
	switch tag.Mode {
	case ModeNumber:
		var n NumberQuery
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decode number query: %w", err)
		}
		*q = Query{Number: &n}
	case ModeSearch:
		var s SearchQuery
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode search query: %w", err)
		}
		*q = Query{Search: &s}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidQuery, tag.Mode)
	}
	return nil
}
