package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrorKind classifies failures across the pipeline.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindDataIntegrity: event and ledger disagree, or the bet is not eligible. Never retried.
	KindDataIntegrity
	// KindTransient: timeouts, dropped connections, nonce races. Retried with backoff.
	KindTransient
	// KindInsufficientFunds: the pool could not cover the amount. Terminal.
	KindInsufficientFunds
	// KindAlreadyProcessed: the record already reached a terminal state.
	KindAlreadyProcessed
	// KindWindowExpired: the disbursement window elapsed before execution. Terminal.
	KindWindowExpired
	// KindAlreadyExists: a record for the request id is already on the ledger.
	KindAlreadyExists
	// KindNotFound: no record for the request id.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindDataIntegrity:
		return "DataIntegrityError"
	case KindTransient:
		return "TransientLedgerError"
	case KindInsufficientFunds:
		return "InsufficientFundsError"
	case KindAlreadyProcessed:
		return "AlreadyProcessedError"
	case KindWindowExpired:
		return "WindowExpiredError"
	case KindAlreadyExists:
		return "AlreadyExistsError"
	case KindNotFound:
		return "NotFoundError"
	default:
		return "UnknownError"
	}
}

// Error is the typed error carried through every settlement component.
type Error struct {
	Kind      ErrorKind
	Pipeline  Pipeline
	RequestID *big.Int
	// Reason is the ledger's revert reason or failure reason, when there is one.
	Reason string
	Err    error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrDataIntegrity     = &Error{Kind: KindDataIntegrity}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrAlreadyProcessed  = &Error{Kind: KindAlreadyProcessed}
	ErrWindowExpired     = &Error{Kind: KindWindowExpired}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// NewError builds a typed error.
func NewError(kind ErrorKind, p Pipeline, id *big.Int, reason string, err error) *Error {
	return &Error{Kind: kind, Pipeline: p, RequestID: id, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Pipeline != 0 {
		fmt.Fprintf(&b, " pipeline=%s", e.Pipeline)
	}
	if e.RequestID != nil {
		fmt.Fprintf(&b, " request=%s", e.RequestID)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by kind so callers can test against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of a settlement error. Context expiry counts as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// Retryable reports whether the Retry Scheduler should try again.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Transient wraps err as a transient ledger error unless it is already typed.
func Transient(p Pipeline, id *big.Int, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return NewError(KindTransient, p, id, "", err)
}
