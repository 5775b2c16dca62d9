package core

import "errors"

// Kind classifies the terminal outcome of a core operation so the façade
// can map it onto the right HTTP status without inspecting error text.
type Kind int

const (
	// KindInvalid marks an illegal operation against current state: a
	// closed flow, a fixed-length overrun, or malformed input.
	KindInvalid Kind = iota + 1
	// KindNotFound marks an unknown flow id or a failed authorization;
	// the two are deliberately indistinguishable to callers.
	KindNotFound
	// KindNotReady marks a pool that cannot admit a new flow.
	KindNotReady
	// KindDropped marks a chunk evicted past keepcount.
	KindDropped
	// KindEof marks a read beyond the end of a closed flow.
	KindEof
	// KindTimeout marks a deadline expiring on a blocking operation.
	KindTimeout
	// KindInternal marks an unexpected failure.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid"
	case KindNotFound:
		return "NotFound"
	case KindNotReady:
		return "NotReady"
	case KindDropped:
		return "Dropped"
	case KindEof:
		return "Eof"
	case KindTimeout:
		return "Timeout"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by every core operation. The façade
// switches on Kind; Err, if non-nil, carries the underlying cause for logs.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// AsKind reports the Kind of err if it is (or wraps) a *Error.
func AsKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var (
	ErrInvalid   = newErr(KindInvalid, "invalid operation")
	ErrClosed    = newErr(KindInvalid, "flow is closed")
	ErrOverrun   = newErr(KindInvalid, "push would exceed fixed length")
	ErrNotFound  = newErr(KindNotFound, "flow not found")
	ErrNotReady  = newErr(KindNotReady, "pool cannot admit flow")
	ErrDropped   = newErr(KindDropped, "chunk already evicted")
	ErrEof       = newErr(KindEof, "flow is at eof")
	ErrTimeout   = newErr(KindTimeout, "deadline expired")
)
