package settlement

import (
	"errors"
	"fmt"
)

// Port-level sentinels. Store adapters translate driver errors into these.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("version conflict")
	ErrDuplicate = errors.New("duplicate reference")
)

// Settlement taxonomy.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnsupportedMethod = errors.New("payment method not yet supported")
	ErrContention        = errors.New("account contention: max retries exceeded")
	ErrPartialFailure    = errors.New("payment may have been taken, contact support")
	ErrUnavailable       = errors.New("settlement collaborator unavailable")
	ErrCancelled         = errors.New("settlement cancelled before debit")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrKeyReused         = errors.New("idempotency key reused with a different request")
)

// Entity names the record a NotFoundError refers to.
type Entity string

const (
	EntityAccount Entity = "account"
	EntityProduct Entity = "product"
	EntityOrder   Entity = "order"
)

// NotFoundError reports which record is missing.
type NotFoundError struct {
	Missing Entity
	ID      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Missing, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InsufficientFundsError carries the exact shortfall.
type InsufficientFundsError struct {
	Fund Fund
	Have int64
	Need int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: have %d, need %d", e.Fund, e.Have, e.Need)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// PartialFailureError reports a debit that has no complete order or token record.
// OrderID is empty when the order itself could not be written.
type PartialFailureError struct {
	OrderID        string
	BuyerID        string
	ProductID      string
	IdempotencyKey string
	Method         Method
	Fund           Fund
	Amount         int64
	Cause          error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s (buyer=%s key=%s): %v", ErrPartialFailure, e.BuyerID, e.IdempotencyKey, e.Cause)
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() error { return e.Cause }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %v", ErrCancelled, err)
}
