package deka

import (
	"encoding/json"
	"errors"
)

// ErrorPrefix starts every error string sent back to callers.
const ErrorPrefix = "Unable to find Deka:\n"

// Response is the final answer to one request. A nil Err means Okay.
type Response struct {
	RequestID string
	Origin    Origin
	Envelope  json.RawMessage
	Records   []Record
	Err       error
}

// Okay builds a successful response for req.
func Okay(req Request, records []Record) Response {
	return Response{
		RequestID: req.ID,
		Origin:    req.Origin,
		Envelope:  req.Envelope,
		Records:   records,
	}
}

// Failed builds an error response for req.
func Failed(req Request, err error) Response {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Response{
		RequestID: req.ID,
		Origin:    req.Origin,
		Envelope:  req.Envelope,
		Err:       err,
	}
}

// IsOkay reports whether the response carries a result rather than an error.
func (r Response) IsOkay() bool {
	return r.Err == nil
}

// ErrorText renders the caller-facing error string.
func (r Response) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return ErrorPrefix + r.Err.Error()
}

type okayWire struct {
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`
	Result  []Record        `json:"result"`
}

type errWire struct {
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

// MarshalJSON writes the single-object wire form. An Okay response with no
// records encodes result as null.
func (r Response) MarshalJSON() ([]byte, error) {
	msg := r.Envelope
	if len(msg) == 0 {
		msg = json.RawMessage("null")
	}
	if r.Err != nil {
		return json.Marshal(errWire{From: ResponseFrom, Message: msg, Error: r.ErrorText()})
	}
	var result []Record
	if len(r.Records) > 0 {
		result = r.Records
	}
	return json.Marshal(okayWire{From: ResponseFrom, Message: msg, Result: result})
}
