package deka

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientSource marks a network, DNS or HTTP failure against either source.
	ErrTransientSource = errors.New("transient source failure")
	// ErrStructuralParse marks a page whose expected structure is absent.
	ErrStructuralParse = errors.New("structural parse failure")
	// ErrAutomationTimeout marks an automation wait that exceeded its bound.
	ErrAutomationTimeout = errors.New("automation timeout")
	// ErrAutomationStep marks a missing element or a failed browser action.
	ErrAutomationStep = errors.New("automation step failed")
	// ErrSessionUnavailable marks a browser session that could not be established or was lost.
	ErrSessionUnavailable = errors.New("browser session unavailable")
	// ErrInvalidQuery marks a query that failed validation.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrShuttingDown is returned for requests still queued when the dispatcher stops.
	ErrShuttingDown = errors.New("dispatcher shutting down")
)

// StepError records which automation step failed and how.
type StepError struct {
	Step string
	Kind error
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Step, e.Kind, e.Err)
}

// Unwrap exposes both the classification sentinel and the underlying cause.
func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
