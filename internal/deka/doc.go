// Package deka defines the case-retrieval domain shared across subsystems: the
// query union accepted from callers, the case records produced by the mirror and
// the automation driver, the request/response envelopes exchanged with the relay,
// and the error taxonomy every component wraps its failures in.
package deka
