package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

// TokenLedger implements settlement.TokenLedger on the append-only token_transactions table.
type TokenLedger struct {
	db DB
}

func (l *TokenLedger) Append(ctx context.Context, tx *settlement.TokenTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO token_transactions (id, account_id, amount, kind, description, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, tx.ID, tx.AccountID, tx.Amount, string(tx.Kind), tx.Description, tx.Reference, tx.CreatedAt)
	return mapErr("append token transaction", err)
}

func (l *TokenLedger) List(ctx context.Context, accountID string) ([]settlement.TokenTransaction, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, account_id, amount, kind, description, COALESCE(reference, ''), created_at
		FROM token_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, mapErr("list token transactions", err)
	}
	defer rows.Close()

	var out []settlement.TokenTransaction
	for rows.Next() {
		var t settlement.TokenTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Kind, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, mapErr("scan token transaction", err)
		}
		out = append(out, t)
	}
	return out, mapErr("list token transactions", rows.Err())
}

func (l *TokenLedger) Sum(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := l.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM token_transactions
		WHERE account_id = $1
	`, accountID).Scan(&sum)
	if err != nil {
		return 0, mapErr("sum token transactions", err)
	}
	return sum, nil
}
