package orders

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindConflict
	KindInvalidInput
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is the engine's error. Details carries identifiers the caller needs to act on,
// e.g. the order numbers still blocking a batch close.
type Error struct {
	Kind    Kind
	Code    string
	Msg     string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if len(e.Details) > 0 {
		msg += " [" + strings.Join(e.Details, ", ") + "]"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrConflict) works on any Conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Kind == e.Kind && t.Code == e.Code
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrTransient    = &Error{Kind: KindTransient}

	ErrDuplicateStatus  = &Error{Kind: KindConflict, Code: "duplicate_status"}
	ErrPaymentFinalized = &Error{Kind: KindConflict, Code: "payment_finalized"}
	ErrBatchClosed      = &Error{Kind: KindConflict, Code: "batch_closed"}
	ErrOrdersUnpaid     = &Error{Kind: KindConflict, Code: "orders_unpaid"}
)

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Code: "not_found", Msg: fmt.Sprintf(format, args...)}
}

func Conflict(code, format string, args ...any) error {
	return &Error{Kind: KindConflict, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func InvalidInput(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Code: "invalid_input", Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps an I/O failure. Already-classified errors pass through untouched.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindTransient, Code: "transient", Msg: op + ": " + err.Error(), Err: err}
}

// KindOf returns the kind of err, or zero for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
