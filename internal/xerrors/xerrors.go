// Package xerrors classifies errors by how the caller should react. The kind
// travels with the error through wrapping, so a handler several layers up can
// still decide between degrading, refusing and dying.
package xerrors

import "errors"

// Kind is the reaction class of an error.
type Kind int

const (
	// TransientExternal: an external collaborator failed; degrade to
	// defaults and keep serving.
	TransientExternal Kind = iota
	// ClientProtocol: the caller violated the protocol; report and drop the
	// offending input, never the connection state.
	ClientProtocol
	// PolicyViolation: the request is allowed but constrained; bias, do not
	// refuse.
	PolicyViolation
	// Fatal: the process cannot continue.
	Fatal
	// Fallback: the error was absorbed and a default answer produced.
	Fallback
)

func (k Kind) String() string {
	switch k {
	case TransientExternal:
		return "transient_external"
	case ClientProtocol:
		return "client_protocol"
	case PolicyViolation:
		return "policy_violation"
	case Fatal:
		return "fatal"
	case Fallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Error is a kinded error with an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind and context to a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the nearest classified error in the chain. The
// second return is false when nothing in the chain is classified.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
