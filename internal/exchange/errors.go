package exchange

import (
	"context"
	"fmt"
	"net"

	"trade_engine/pkg/circuit"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	// retryable
	KindNetwork
	KindTimeout
	KindRateLimit
	KindDisconnected
	// fatal
	KindAuth
	KindInsufficientBalance
	KindInvalidQuantity
	KindOrderRejected
	KindNotFound
	KindUnsupported
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindDisconnected:
		return "disconnected"
	case KindAuth:
		return "auth"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvalidQuantity:
		return "invalid_quantity"
	case KindOrderRejected:
		return "order_rejected"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindDisconnected:
		return true
	default:
		return false
	}
}

// Error is the failure type returned by every venue connector.
type Error struct {
	Kind  Kind
	Venue string
	Op    string
	// Code is the venue's own error code, if any.
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s %s: %s", e.Venue, e.Op, e.Kind)
	if e.Code != "" {
		s += " code=" + e.Code
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, venue, op, msg string) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Msg: msg}
}

// Wrap classifies err when it is not already an *Error.
func Wrap(err error, venue, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: classify(err), Venue: venue, Op: op, Err: err}
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindNetwork
}

// KindOf returns the error's kind, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient. Foreign errors are
// treated as network failures; breaker rejections and cancellations are not
// retryable.
func IsRetryable(err error) bool {
	if err == nil || IsCircuitOpen(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Retryable()
	}
	return true
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuit.ErrOpen) || errors.Is(err, circuit.ErrTooManyTrials)
}
