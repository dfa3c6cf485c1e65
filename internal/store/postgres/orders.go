package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

const orderColumns = `id, buyer_id, product_id, total_amount, status, COALESCE(payment_method, ''), COALESCE(idempotency_key, ''), created_at, updated_at`

// OrderStore implements settlement.OrderStore. Uniqueness of
// (buyer_id, idempotency_key) is enforced by the schema.
type OrderStore struct {
	db DB
}

func scanOrder(row pgx.Row) (*settlement.Order, error) {
	var o settlement.Order
	err := row.Scan(&o.ID, &o.BuyerID, &o.ProductID, &o.TotalAmount, &o.Status,
		&o.PaymentMethod, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrderStore) Create(ctx context.Context, order *settlement.Order) (*settlement.Order, error) {
	created, err := scanOrder(s.db.QueryRow(ctx, `
		INSERT INTO orders (id, buyer_id, product_id, total_amount, status, payment_method, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		RETURNING `+orderColumns,
		order.ID, order.BuyerID, order.ProductID, order.TotalAmount, string(order.Status),
		string(order.PaymentMethod), order.IdempotencyKey, order.CreatedAt, order.UpdatedAt))
	if err == nil {
		return created, nil
	}

	err = mapErr("create order", err)
	if !errors.Is(err, settlement.ErrDuplicate) {
		return nil, err
	}
	var existing *settlement.Order
	var lookupErr error
	if order.IdempotencyKey != "" {
		existing, lookupErr = s.FindByKey(ctx, order.BuyerID, order.IdempotencyKey)
	}
	if existing == nil {
		existing, lookupErr = s.Get(ctx, order.ID)
	}
	if lookupErr != nil {
		return nil, lookupErr
	}
	return existing, settlement.ErrDuplicate
}

func (s *OrderStore) Get(ctx context.Context, orderID string) (*settlement.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		return nil, mapErr("get order", err)
	}
	return o, nil
}

func (s *OrderStore) FindByKey(ctx context.Context, buyerID, key string) (*settlement.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1 AND idempotency_key = $2
	`, buyerID, key))
	if err != nil {
		return nil, mapErr("find order by key", err)
	}
	return o, nil
}

func (s *OrderStore) ListByBuyer(ctx context.Context, buyerID string) ([]settlement.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1
		ORDER BY created_at DESC
	`, buyerID)
	if err != nil {
		return nil, mapErr("list orders", err)
	}
	defer rows.Close()

	var out []settlement.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, mapErr("scan order", err)
		}
		out = append(out, *o)
	}
	return out, mapErr("list orders", rows.Err())
}
