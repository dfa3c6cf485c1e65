// Package memory implements the settlement ports on thread-safe in-memory maps.
// It backs the service in development mode and the engine tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

type movementKey struct {
	reference string
	fund      settlement.Fund
}

type orderKey struct {
	buyerID string
	key     string
}

// Store holds accounts, movements, products, orders and token transactions.
type Store struct {
	mu sync.RWMutex

	accounts  map[string]settlement.Account
	movements map[movementKey]settlement.Movement

	products     map[string]settlement.Product
	productOrder []string

	orders     map[string]settlement.Order
	orderKeys  map[orderKey]string
	orderOrder []string

	tokens    map[string][]settlement.TokenTransaction
	tokenRefs map[string]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]settlement.Account),
		movements: make(map[movementKey]settlement.Movement),
		products:  make(map[string]settlement.Product),
		orders:    make(map[string]settlement.Order),
		orderKeys: make(map[orderKey]string),
		tokens:    make(map[string][]settlement.TokenTransaction),
		tokenRefs: make(map[string]struct{}),
	}
}

// Accounts exposes the store as a settlement.AccountStore.
func (s *Store) Accounts() *AccountStore { return &AccountStore{s} }

// Products exposes the store as a settlement.ProductCatalog.
func (s *Store) Products() *ProductCatalog { return &ProductCatalog{s} }

// Orders exposes the store as a settlement.OrderStore.
func (s *Store) Orders() *OrderStore { return &OrderStore{s} }

// Tokens exposes the store as a settlement.TokenLedger.
func (s *Store) Tokens() *TokenLedger { return &TokenLedger{s} }

// Seed puts an account with the given funds in place, overwriting any existing one.
func (s *Store) Seed(userID string, balance, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := settlement.NewAccount(userID)
	acc.Balance = balance
	acc.TokenCount = tokens
	s.accounts[userID] = *acc
}

// AccountStore implements settlement.AccountStore.
type AccountStore struct{ s *Store }

func (a *AccountStore) Create(_ context.Context, userID string) (*settlement.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if existing, ok := a.s.accounts[userID]; ok {
		return &existing, settlement.ErrDuplicate
	}
	acc := settlement.NewAccount(userID)
	a.s.accounts[userID] = *acc
	return acc, nil
}

func (a *AccountStore) Get(_ context.Context, userID string) (*settlement.Account, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	acc, ok := a.s.accounts[userID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return &acc, nil
}

func (a *AccountStore) AdjustBalance(_ context.Context, adj settlement.Adjustment) (*settlement.Account, error) {
	return a.s.adjust(adj, settlement.FundBalance)
}

func (a *AccountStore) AdjustTokens(_ context.Context, adj settlement.Adjustment) (*settlement.Account, error) {
	return a.s.adjust(adj, settlement.FundTokens)
}

func (a *AccountStore) FindMovement(_ context.Context, reference string, fund settlement.Fund) (*settlement.Movement, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	mv, ok := a.s.movements[movementKey{reference, fund}]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return &mv, nil
}

func (s *Store) adjust(adj settlement.Adjustment, fund settlement.Fund) (*settlement.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[adj.UserID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	key := movementKey{adj.Reference, fund}
	if adj.Reference != "" {
		if _, applied := s.movements[key]; applied {
			return &acc, settlement.ErrDuplicate
		}
	}
	if acc.Version != adj.ExpectedVersion {
		return nil, settlement.ErrConflict
	}

	if fund == settlement.FundTokens {
		if acc.TokenCount+adj.Delta < 0 {
			return nil, settlement.ErrInsufficientFunds
		}
		acc.TokenCount += adj.Delta
	} else {
		if acc.Balance+adj.Delta < 0 {
			return nil, settlement.ErrInsufficientFunds
		}
		acc.Balance += adj.Delta
	}
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	s.accounts[adj.UserID] = acc

	if adj.Reference != "" {
		s.movements[key] = settlement.Movement{
			ID:        uuid.NewString(),
			UserID:    adj.UserID,
			Fund:      fund,
			Delta:     adj.Delta,
			Reference: adj.Reference,
			CreatedAt: acc.UpdatedAt,
		}
	}
	return &acc, nil
}

// ProductCatalog implements settlement.ProductCatalog.
type ProductCatalog struct{ s *Store }

func (p *ProductCatalog) Get(_ context.Context, productID string) (*settlement.Product, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	prod, ok := p.s.products[productID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return &prod, nil
}

func (p *ProductCatalog) List(_ context.Context) ([]settlement.Product, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]settlement.Product, 0, len(p.s.productOrder))
	for _, id := range p.s.productOrder {
		out = append(out, p.s.products[id])
	}
	return out, nil
}

func (p *ProductCatalog) Create(_ context.Context, product *settlement.Product) error {
	if err := product.Validate(); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if _, exists := p.s.products[product.ID]; exists {
		return settlement.ErrDuplicate
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	p.s.products[product.ID] = *product
	p.s.productOrder = append(p.s.productOrder, product.ID)
	return nil
}

// OrderStore implements settlement.OrderStore.
type OrderStore struct{ s *Store }

func (o *OrderStore) Create(_ context.Context, order *settlement.Order) (*settlement.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if order.IdempotencyKey != "" {
		if id, ok := o.s.orderKeys[orderKey{order.BuyerID, order.IdempotencyKey}]; ok {
			existing := o.s.orders[id]
			return &existing, settlement.ErrDuplicate
		}
	}
	if existing, ok := o.s.orders[order.ID]; ok {
		return &existing, settlement.ErrDuplicate
	}
	stored := *order
	o.s.orders[stored.ID] = stored
	o.s.orderOrder = append(o.s.orderOrder, stored.ID)
	if stored.IdempotencyKey != "" {
		o.s.orderKeys[orderKey{stored.BuyerID, stored.IdempotencyKey}] = stored.ID
	}
	return &stored, nil
}

func (o *OrderStore) Get(_ context.Context, orderID string) (*settlement.Order, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	order, ok := o.s.orders[orderID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return &order, nil
}

func (o *OrderStore) FindByKey(_ context.Context, buyerID, key string) (*settlement.Order, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	id, ok := o.s.orderKeys[orderKey{buyerID, key}]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	order := o.s.orders[id]
	return &order, nil
}

// ListByBuyer returns the buyer's orders newest first.
func (o *OrderStore) ListByBuyer(_ context.Context, buyerID string) ([]settlement.Order, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	var out []settlement.Order
	for i := len(o.s.orderOrder) - 1; i >= 0; i-- {
		if order := o.s.orders[o.s.orderOrder[i]]; order.BuyerID == buyerID {
			out = append(out, order)
		}
	}
	return out, nil
}

// TokenLedger implements settlement.TokenLedger.
type TokenLedger struct{ s *Store }

func (t *TokenLedger) Append(_ context.Context, tx *settlement.TokenTransaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if tx.Reference != "" {
		if _, dup := t.s.tokenRefs[tx.Reference]; dup {
			return settlement.ErrDuplicate
		}
		t.s.tokenRefs[tx.Reference] = struct{}{}
	}
	entry := *tx
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.s.tokens[entry.AccountID] = append(t.s.tokens[entry.AccountID], entry)
	return nil
}

// List returns the account's token transactions newest first.
func (t *TokenLedger) List(_ context.Context, accountID string) ([]settlement.TokenTransaction, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := append([]settlement.TokenTransaction(nil), t.s.tokens[accountID]...)
	return reverse(out), nil
}

func (t *TokenLedger) Sum(_ context.Context, accountID string) (int64, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var sum int64
	for _, tx := range t.s.tokens[accountID] {
		sum += tx.Amount
	}
	return sum, nil
}

func reverse(in []settlement.TokenTransaction) []settlement.TokenTransaction {
	for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
		in[i], in[j] = in[j], in[i]
	}
	return in
}
