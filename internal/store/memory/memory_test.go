package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

func TestAccountStore_Adjust(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Seed("u1", 100, 5)
	accounts := s.Accounts()

	acc, err := accounts.AdjustBalance(ctx, settlement.Adjustment{UserID: "u1", Delta: -40, ExpectedVersion: 1, Reference: "r1"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), acc.Balance)
	assert.Equal(t, int64(2), acc.Version)

	t.Run("stale version conflicts", func(t *testing.T) {
		_, err := accounts.AdjustBalance(ctx, settlement.Adjustment{UserID: "u1", Delta: -1, ExpectedVersion: 1, Reference: "r2"})
		assert.ErrorIs(t, err, settlement.ErrConflict)
	})

	t.Run("reference applies once per fund", func(t *testing.T) {
		_, err := accounts.AdjustBalance(ctx, settlement.Adjustment{UserID: "u1", Delta: -40, ExpectedVersion: 2, Reference: "r1"})
		assert.ErrorIs(t, err, settlement.ErrDuplicate)

		acc, err := accounts.AdjustTokens(ctx, settlement.Adjustment{UserID: "u1", Delta: -1, ExpectedVersion: 2, Reference: "r1"})
		require.NoError(t, err)
		assert.Equal(t, int64(4), acc.TokenCount)
	})

	t.Run("never goes negative", func(t *testing.T) {
		_, err := accounts.AdjustTokens(ctx, settlement.Adjustment{UserID: "u1", Delta: -5, ExpectedVersion: 3})
		assert.ErrorIs(t, err, settlement.ErrInsufficientFunds)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := accounts.AdjustBalance(ctx, settlement.Adjustment{UserID: "ghost", Delta: 1, ExpectedVersion: 1})
		assert.ErrorIs(t, err, settlement.ErrNotFound)
	})

	mv, err := accounts.FindMovement(ctx, "r1", settlement.FundBalance)
	require.NoError(t, err)
	assert.Equal(t, int64(-40), mv.Delta)
	_, err = accounts.FindMovement(ctx, "nope", settlement.FundBalance)
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestAccountStore_Create(t *testing.T) {
	ctx := context.Background()
	accounts := New().Accounts()

	acc, err := accounts.Create(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.Version)

	_, err = accounts.Create(ctx, "u1")
	assert.ErrorIs(t, err, settlement.ErrDuplicate)
}

func TestOrderStore(t *testing.T) {
	ctx := context.Background()
	orders := New().Orders()

	first := settlement.NewPaidOrder("o1", "b1", "p1", 100, settlement.MethodBalance, "k1")
	_, err := orders.Create(ctx, first)
	require.NoError(t, err)

	existing, err := orders.Create(ctx, settlement.NewPaidOrder("o2", "b1", "p1", 100, settlement.MethodBalance, "k1"))
	assert.ErrorIs(t, err, settlement.ErrDuplicate)
	assert.Equal(t, "o1", existing.ID)

	_, err = orders.Create(ctx, settlement.NewCartOrder("o3", "b1", settlement.Product{ID: "p2", Price: 5}))
	require.NoError(t, err)

	found, err := orders.FindByKey(ctx, "b1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "o1", found.ID)
	_, err = orders.FindByKey(ctx, "b2", "k1")
	assert.ErrorIs(t, err, settlement.ErrNotFound)

	list, err := orders.ListByBuyer(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "o3", list[0].ID)
}

func TestTokenLedger(t *testing.T) {
	ctx := context.Background()
	tokens := New().Tokens()

	require.NoError(t, tokens.Append(ctx, &settlement.TokenTransaction{AccountID: "u1", Amount: 50, Kind: settlement.TokenEarned, Reference: "a"}))
	require.NoError(t, tokens.Append(ctx, &settlement.TokenTransaction{AccountID: "u1", Amount: -20, Kind: settlement.TokenSpent, Reference: "b"}))
	assert.ErrorIs(t, tokens.Append(ctx, &settlement.TokenTransaction{AccountID: "u1", Amount: -20, Reference: "b"}), settlement.ErrDuplicate)

	list, err := tokens.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Reference)
	assert.NotEmpty(t, list[0].ID)

	sum, err := tokens.Sum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), sum)
}

func TestProductCatalog(t *testing.T) {
	ctx := context.Background()
	products := New().Products()

	p := &settlement.Product{Name: "Lamp", Price: 45_00}
	require.NoError(t, products.Create(ctx, p))
	assert.NotEmpty(t, p.ID)
	assert.ErrorIs(t, products.Create(ctx, &settlement.Product{Price: 1}), settlement.ErrInvalidRequest)
	assert.ErrorIs(t, products.Create(ctx, &settlement.Product{ID: p.ID, Name: "Dup"}), settlement.ErrDuplicate)

	got, err := products.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lamp", got.Name)

	list, err := products.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
