package pipeline

import "fmt"

// Kind classifies a pipeline failure so the edge layer can pick a status
// code: client-input problems map to 400, everything upstream to 502.
type Kind string

// Failure kinds.
const (
	// KindValidation covers malformed or incomplete alerts, including
	// missing sizing inputs. The client's fault.
	KindValidation Kind = "validation"
	// KindAuth covers broker login failures and missing session tokens.
	KindAuth Kind = "auth"
	// KindBroker covers any non-2xx broker response during account listing,
	// order placement, confirmation, or close.
	KindBroker Kind = "broker"
)

// Error is the tagged failure type returned by the pipeline. It always wraps
// the underlying cause so detail survives to the edge layer's error body.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func failure(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
