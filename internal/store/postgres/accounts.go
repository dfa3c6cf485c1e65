package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

const accountColumns = `user_id, balance, token_count, version, created_at, updated_at`

// AccountStore implements settlement.AccountStore.
type AccountStore struct {
	db DB
}

func scanAccount(row pgx.Row) (*settlement.Account, error) {
	var acc settlement.Account
	err := row.Scan(&acc.UserID, &acc.Balance, &acc.TokenCount, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *AccountStore) Create(ctx context.Context, userID string) (*settlement.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx, `
		INSERT INTO accounts (user_id, balance, token_count, version, created_at, updated_at)
		VALUES ($1, 0, 0, 1, NOW(), NOW())
		RETURNING `+accountColumns, userID))
	if err != nil {
		err = mapErr("create account", err)
		if errors.Is(err, settlement.ErrDuplicate) {
			existing, gerr := s.Get(ctx, userID)
			if gerr != nil {
				return nil, gerr
			}
			return existing, settlement.ErrDuplicate
		}
		return nil, err
	}
	return acc, nil
}

func (s *AccountStore) Get(ctx context.Context, userID string) (*settlement.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1
	`, userID))
	if err != nil {
		return nil, mapErr("get account", err)
	}
	return acc, nil
}

func (s *AccountStore) AdjustBalance(ctx context.Context, adj settlement.Adjustment) (*settlement.Account, error) {
	return s.adjust(ctx, adj, settlement.FundBalance)
}

func (s *AccountStore) AdjustTokens(ctx context.Context, adj settlement.Adjustment) (*settlement.Account, error) {
	return s.adjust(ctx, adj, settlement.FundTokens)
}

func (s *AccountStore) FindMovement(ctx context.Context, reference string, fund settlement.Fund) (*settlement.Movement, error) {
	var mv settlement.Movement
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, fund, delta, reference, created_at
		FROM account_movements
		WHERE reference = $1 AND fund = $2
	`, reference, string(fund)).Scan(&mv.ID, &mv.UserID, &mv.Fund, &mv.Delta, &mv.Reference, &mv.CreatedAt)
	if err != nil {
		return nil, mapErr("find movement", err)
	}
	return &mv, nil
}

const (
	updateBalance = `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING ` + accountColumns
	updateTokens = `
		UPDATE accounts
		SET token_count = token_count + $1, version = version + 1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING ` + accountColumns
)

// adjust applies the compare-and-swap inside one transaction holding the row lock.
func (s *AccountStore) adjust(ctx context.Context, adj settlement.Adjustment, fund settlement.Fund) (*settlement.Account, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin adjust: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acc, err := scanAccount(tx.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE
	`, adj.UserID))
	if err != nil {
		return nil, mapErr("lock account", err)
	}

	if adj.Reference != "" {
		var applied bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM account_movements
				WHERE reference = $1 AND fund = $2
			)
		`, adj.Reference, string(fund)).Scan(&applied)
		if err != nil {
			return nil, mapErr("check movement", err)
		}
		if applied {
			return acc, settlement.ErrDuplicate
		}
	}
	if acc.Version != adj.ExpectedVersion {
		return nil, settlement.ErrConflict
	}
	if acc.Available(fund)+adj.Delta < 0 {
		return nil, settlement.ErrInsufficientFunds
	}

	query := updateBalance
	if fund == settlement.FundTokens {
		query = updateTokens
	}
	updated, err := scanAccount(tx.QueryRow(ctx, query, adj.Delta, adj.UserID))
	if err != nil {
		return nil, mapErr("update account", err)
	}

	if adj.Reference != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO account_movements (id, user_id, fund, delta, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, uuid.NewString(), adj.UserID, string(fund), adj.Delta, adj.Reference)
		if err != nil {
			return nil, mapErr("insert movement", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapErr("commit adjust", err)
	}
	return updated, nil
}
