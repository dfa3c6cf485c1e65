package settlement

import "context"

// AccountStore persists balances and token counts.
// Adjust* apply a compare-and-swap on Account.Version and return ErrConflict on mismatch,
// ErrInsufficientFunds when the fund would go negative, and ErrDuplicate when the
// reference was already applied to that fund.
type AccountStore interface {
	Create(ctx context.Context, userID string) (*Account, error)
	Get(ctx context.Context, userID string) (*Account, error)
	AdjustBalance(ctx context.Context, adj Adjustment) (*Account, error)
	AdjustTokens(ctx context.Context, adj Adjustment) (*Account, error)
	FindMovement(ctx context.Context, reference string, fund Fund) (*Movement, error)
}

// ProductCatalog is read-only for settlement.
type ProductCatalog interface {
	Get(ctx context.Context, productID string) (*Product, error)
	List(ctx context.Context) ([]Product, error)
	Create(ctx context.Context, product *Product) error
}

// OrderStore is unique per (buyer, idempotency key). A duplicate Create returns
// the stored order together with ErrDuplicate.
type OrderStore interface {
	Create(ctx context.Context, order *Order) (*Order, error)
	Get(ctx context.Context, orderID string) (*Order, error)
	FindByKey(ctx context.Context, buyerID, key string) (*Order, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]Order, error)
}

// TokenLedger is the append-only token log. Append returns ErrDuplicate for a
// reference it already holds.
type TokenLedger interface {
	Append(ctx context.Context, tx *TokenTransaction) error
	List(ctx context.Context, accountID string) ([]TokenTransaction, error)
	Sum(ctx context.Context, accountID string) (int64, error)
}

// Locker serialises work per account. The returned release func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Compensator is told about every partial failure so the attempt can be completed
// or refunded out of band.
type Compensator interface {
	PartialFailure(ctx context.Context, pf PartialFailureError) error
}
