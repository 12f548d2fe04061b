// Package fault defines the error domain shared by every docmap component.
//
// The domain has exactly eight kinds. Validation kinds (UndefinedAttributeType,
// RequestTypeUnknown, ResultTypeUnknown, RequestNotSupported) are returned
// before any mutation. Initialization kinds (BadPath, ReplicationFactory) are
// returned while opening stores or building replication jobs. Conflict is the
// expected, retryable outcome of a stale optimistic write. InternalError is
// never returned: Internal panics with it, because continuing could write a
// corrupted document graph.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an Error.
type Kind int

const (
	// InternalError indicates an unexpected condition. Raised by Internal.
	InternalError Kind = iota + 1
	// BadPath indicates the store location is unusable.
	BadPath
	// UndefinedAttributeType indicates a value or schema outside the closed
	// set of attribute kinds.
	UndefinedAttributeType
	// RequestTypeUnknown indicates an unrecognized request type.
	RequestTypeUnknown
	// ResultTypeUnknown indicates an unrecognized fetch result type.
	ResultTypeUnknown
	// RequestNotSupported indicates a request with unsupported features or
	// operators.
	RequestNotSupported
	// ReplicationFactory indicates a replication job could not be created.
	ReplicationFactory
	// Conflict indicates a stale revision token on write.
	Conflict
)

var kindNames = map[Kind]string{
	InternalError:          "INTERNAL_ERROR",
	BadPath:                "BAD_PATH",
	UndefinedAttributeType: "UNDEFINED_ATTRIBUTE_TYPE",
	RequestTypeUnknown:     "REQUEST_TYPE_UNKNOWN",
	ResultTypeUnknown:      "RESULT_TYPE_UNKNOWN",
	RequestNotSupported:    "REQUEST_NOT_SUPPORTED",
	ReplicationFactory:     "REPLICATION_FACTORY",
	Conflict:               "CONFLICT",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("KIND_%d", int(k))
}

// Error is the error type of the docmap error domain.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the operation that failed (e.g. "save", "translate").
	Op string

	// Message is a human-readable description.
	Message string

	// Stale lists the document ids whose revision tokens were stale.
	// Only set for Conflict.
	Stale []string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Stale) > 0 {
		fmt.Fprintf(&b, " (stale=%s)", strings.Join(e.Stale, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind that carries no message, which
// lets the exported sentinels be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Op == ""
}

// Sentinels for errors.Is.
var (
	ErrBadPath                = &Error{Kind: BadPath}
	ErrUndefinedAttributeType = &Error{Kind: UndefinedAttributeType}
	ErrRequestTypeUnknown     = &Error{Kind: RequestTypeUnknown}
	ErrResultTypeUnknown      = &Error{Kind: ResultTypeUnknown}
	ErrRequestNotSupported    = &Error{Kind: RequestNotSupported}
	ErrReplicationFactory     = &Error{Kind: ReplicationFactory}
	ErrConflict               = &Error{Kind: Conflict}
)

// New creates an Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around err.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewConflict creates a Conflict error naming the stale document ids.
func NewConflict(op string, stale ...string) *Error {
	return &Error{
		Kind:    Conflict,
		Op:      op,
		Message: "revision token is stale",
		Stale:   stale,
	}
}

// KindOf returns the kind of err, or 0 if err is not part of the domain.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Is reports whether err is a domain error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool {
	return Is(err, Conflict)
}

// IsNotSupported reports whether err is a RequestNotSupported error.
func IsNotSupported(err error) bool {
	return Is(err, RequestNotSupported)
}

// StaleIDs returns the stale document ids carried by a Conflict error.
func StaleIDs(err error) []string {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == Conflict {
		return fe.Stale
	}
	return nil
}

// Internal raises an InternalError. It never returns.
func Internal(op, format string, args ...any) {
	panic(&Error{Kind: InternalError, Op: op, Message: fmt.Sprintf(format, args...)})
}
