package execution

import (
	"github.com/pkg/errors"
)

var (
	ErrAlertSignal   = errors.New("alert signals are not executable")
	ErrInvalidSignal = errors.New("signal has no valid side")
	ErrWeakSignal    = errors.New("signal strength below minimum")
	ErrZeroQuantity  = errors.New("validated quantity is not positive")
	ErrNoPrice       = errors.New("no price available")
)

// ExecutionError is returned when the venue refuses or fails an order.
// The order is already Rejected when this is returned.
type ExecutionError struct {
	OrderID string
	Cause   error
}

func (e *ExecutionError) Error() string {
	return "execute order " + e.OrderID + ": " + e.Cause.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
