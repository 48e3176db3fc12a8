package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrNoKeysAvailable is returned when the key pool for a brand/plan is
	// exhausted. At order-creation time the client can simply be told the
	// plan is out of stock; at payment-verification time it means a paid
	// order cannot be fulfilled and an operator refund/restock flow must be
	// triggered, so callers have to keep it distinguishable from generic
	// failures.
	ErrNoKeysAvailable = errors.New("no activation keys available for this brand and plan")

	// ErrDuplicateOrder is returned when an order id is reused. The existing
	// order is never overwritten.
	ErrDuplicateOrder = errors.New("an order with this id already exists")

	// ErrInvalidSignature is returned when the payment proof does not verify.
	// No key is ever released on this path.
	ErrInvalidSignature = errors.New("payment signature verification failed")

	// ErrPaymentMismatch is returned when a syntactically valid payment proof
	// does not belong to the order it is presented for: the gateway order id
	// differs from the one opened for the order, or the captured amount does
	// not cover the order. A proof paid for once must not settle a second
	// order.
	ErrPaymentMismatch = errors.New("payment does not belong to this order")

	// ErrAlreadyCompleted is returned by repeated verification calls for an
	// order that has already been fulfilled. It is an idempotent no-op, not
	// a true failure.
	ErrAlreadyCompleted = errors.New("order has already been completed")

	// ErrOrderNotFound is returned when verification references an unknown
	// order id.
	ErrOrderNotFound = errors.New("order not found")
)

// ValidationError reports a missing or malformed input field before any side
// effect has happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// PaymentNotCapturedError reports a payment the gateway does not consider
// captured. The payment must not be trusted and no key is released.
type PaymentNotCapturedError struct {
	Status string
}

func (e *PaymentNotCapturedError) Error() string {
	return fmt.Sprintf("payment is not captured (status %q)", e.Status)
}

// GatewayError wraps a gateway-side failure with the operation that caused
// it. The cause is forwarded verbatim for diagnostics and never retried
// automatically.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
