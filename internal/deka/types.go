package deka

import (
	"encoding/json"
	"net/http"
	"time"
)

// Origin identifies which boundary a request arrived from so the response can be
// routed back to it.
type Origin string

// Known request origins.
const (
	OriginRelay Origin = "relay"
	OriginAPI   Origin = "api"
	OriginCLI   Origin = "cli"
)

// ResponseFrom is the fixed sender tag written on every outgoing response.
const ResponseFrom = "deka"

// Metadata carries the statute reference and provenance of a record.
type Metadata struct {
	Law    string `json:"law"`
	Source string `json:"source"`
}

// Record is one retrieved case.
type Record struct {
	DekaNo    string   `json:"deka_no"`
	ShortNote string   `json:"short_note"`
	LongNote  *string  `json:"long_note"`
	Metadata  Metadata `json:"metadata"`
}

// HasLongNote reports whether the extended note was provided by the source.
func (r Record) HasLongNote() bool {
	return r.LongNote != nil
}

// Outcome is the result of one retrieval attempt against a single source. An
// outcome without records means the source ran but produced nothing usable.
type Outcome struct {
	Records []Record
}

// Found reports whether the outcome carries at least one record.
func (o Outcome) Found() bool {
	return len(o.Records) > 0
}

// Payload is the inbound message shape: an opaque envelope plus the query.
type Payload struct {
	Message json.RawMessage `json:"message"`
	Info    Query           `json:"info"`
}

// Request is a query accepted by the dispatcher.
type Request struct {
	ID       string
	Origin   Origin
	Envelope json.RawMessage
	Query    Query
	Received time.Time
}

// FetchRequest captures everything needed to GET a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
