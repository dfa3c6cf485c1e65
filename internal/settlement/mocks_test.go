package settlement_test

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
	"github.com/matheusmosca/marketplace-checkout/internal/store/memory"
)

// MockAccountStore is a testify mock of settlement.AccountStore.
type MockAccountStore struct {
	mock.Mock
}

func (m *MockAccountStore) Create(ctx context.Context, userID string) (*settlement.Account, error) {
	args := m.Called(ctx, userID)
	return accountArg(args)
}

func (m *MockAccountStore) Get(ctx context.Context, userID string) (*settlement.Account, error) {
	args := m.Called(ctx, userID)
	return accountArg(args)
}

func (m *MockAccountStore) AdjustBalance(ctx context.Context, adj settlement.Adjustment) (*settlement.Account, error) {
	args := m.Called(ctx, adj)
	return accountArg(args)
}

func (m *MockAccountStore) AdjustTokens(ctx context.Context, adj settlement.Adjustment) (*settlement.Account, error) {
	args := m.Called(ctx, adj)
	return accountArg(args)
}

func (m *MockAccountStore) FindMovement(ctx context.Context, reference string, fund settlement.Fund) (*settlement.Movement, error) {
	args := m.Called(ctx, reference, fund)
	if mv, ok := args.Get(0).(*settlement.Movement); ok {
		return mv, args.Error(1)
	}
	return nil, args.Error(1)
}

func accountArg(args mock.Arguments) (*settlement.Account, error) {
	if acc, ok := args.Get(0).(*settlement.Account); ok {
		return acc, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockCompensator records partial failures handed off by the engine.
type MockCompensator struct {
	mock.Mock
}

func (m *MockCompensator) PartialFailure(ctx context.Context, pf settlement.PartialFailureError) error {
	args := m.Called(ctx, pf)
	return args.Error(0)
}

// flakyOrders fails Create while failing is set.
type flakyOrders struct {
	*memory.OrderStore
	failing atomic.Bool
	creates atomic.Int32
}

func (f *flakyOrders) Create(ctx context.Context, order *settlement.Order) (*settlement.Order, error) {
	f.creates.Add(1)
	if f.failing.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return f.OrderStore.Create(ctx, order)
}

// flakyTokens fails Append while failing is set.
type flakyTokens struct {
	*memory.TokenLedger
	failing atomic.Bool
}

func (f *flakyTokens) Append(ctx context.Context, tx *settlement.TokenTransaction) error {
	if f.failing.Load() {
		return errors.New("token log unavailable")
	}
	return f.TokenLedger.Append(ctx, tx)
}

// cancellingAccounts cancels the caller's context right after a debit lands.
type cancellingAccounts struct {
	*memory.AccountStore
	cancel context.CancelFunc
}

func (c *cancellingAccounts) AdjustBalance(ctx context.Context, adj settlement.Adjustment) (*settlement.Account, error) {
	acc, err := c.AccountStore.AdjustBalance(ctx, adj)
	c.cancel()
	return acc, err
}

// ctxCheckingOrders refuses writes on a cancelled context.
type ctxCheckingOrders struct {
	*memory.OrderStore
}

func (c *ctxCheckingOrders) Create(ctx context.Context, order *settlement.Order) (*settlement.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.OrderStore.Create(ctx, order)
}

// brokenAccounts fails every read.
type brokenAccounts struct {
	*memory.AccountStore
}

func (b *brokenAccounts) Get(context.Context, string) (*settlement.Account, error) {
	return nil, errors.New("dial tcp 10.0.0.5:5432: i/o timeout")
}
