package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNothingToReconcile means no debit exists for the attempt, so there is nothing to finish.
var ErrNothingToReconcile = errors.New("no debit recorded for attempt")

// Default top-up amounts offered by the storefront.
const (
	DefaultFundsTopUp  int64 = 100_00
	DefaultBonusTokens int64 = 50
)

// AddFunds credits an account balance. Reference makes the credit idempotent;
// an empty reference generates a fresh one.
func (e *Engine) AddFunds(ctx context.Context, userID string, amount int64, reference string) (*Account, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.add_funds")
	defer span.End()

	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	}
	return e.credit(ctx, userID, FundBalance, amount, topUpReference(userID, reference))
}

// AddBonusTokens credits tokens and logs them as earned.
func (e *Engine) AddBonusTokens(ctx context.Context, userID string, tokens int64, reference string) (*Account, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.add_bonus_tokens")
	defer span.End()

	if tokens <= 0 {
		return nil, fmt.Errorf("%w: tokens must be greater than 0", ErrInvalidRequest)
	}
	ref := topUpReference(userID, reference)
	account, err := e.credit(ctx, userID, FundTokens, tokens, ref)
	if err != nil {
		return nil, err
	}

	logCtx := context.WithoutCancel(ctx)
	err = e.retry(logCtx, "append token transaction", func() error {
		err := e.tokens.Append(logCtx, &TokenTransaction{
			ID:          uuid.NewString(),
			AccountID:   userID,
			Amount:      tokens,
			Kind:        TokenEarned,
			Description: "Bonus tokens",
			Reference:   ref,
			CreatedAt:   time.Now().UTC(),
		})
		if errors.Is(err, ErrDuplicate) {
			return nil
		}
		return err
	})
	if err != nil {
		e.log.Error("🚨 [TOKENS] credit applied without log entry", "user_id", userID, "reference", ref, "error", err)
		return account, &PartialFailureError{
			BuyerID:        userID,
			IdempotencyKey: ref,
			Fund:           FundTokens,
			Amount:         tokens,
			Cause:          err,
		}
	}
	return account, nil
}

// topUpReference scopes a caller reference to one account, so two users may
// send the same reference without one credit swallowing the other.
func topUpReference(userID, reference string) string {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		reference = uuid.NewString()
	}
	return "topup:" + userID + ":" + reference
}

func (e *Engine) credit(ctx context.Context, userID string, fund Fund, amount int64, reference string) (*Account, error) {
	release, err := e.locker.Lock(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, unavailable("lock account", err)
	}
	defer release()

	for attempt := 1; ; attempt++ {
		account, err := e.accounts.Get(ctx, userID)
		if err != nil {
			return nil, e.mapLoad(ctx, err, EntityAccount, userID)
		}
		if _, err := e.accounts.FindMovement(ctx, reference, fund); err == nil {
			return account, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, unavailable("find movement", err)
		}

		adj := Adjustment{UserID: userID, Delta: amount, ExpectedVersion: account.Version, Reference: reference}
		var updated *Account
		if fund == FundTokens {
			updated, err = e.accounts.AdjustTokens(ctx, adj)
		} else {
			updated, err = e.accounts.AdjustBalance(ctx, adj)
		}
		switch {
		case err == nil:
			e.log.Info("✅ [CREDIT] applied", "user_id", userID, "fund", fund, "amount", amount)
			return updated, nil
		case errors.Is(err, ErrDuplicate):
			return e.accounts.Get(ctx, userID)
		case errors.Is(err, ErrConflict):
			e.casRetries.Add(ctx, 1)
			if attempt >= e.maxAttempts {
				return nil, fmt.Errorf("%w: %d attempts on account %s", ErrContention, attempt, userID)
			}
		case errors.Is(err, ErrNotFound):
			return nil, &NotFoundError{Missing: EntityAccount, ID: userID}
		default:
			return nil, unavailable("credit", err)
		}
	}
}

// Reconcile finishes an attempt whose debit landed but whose order or token
// entry did not. It never debits.
func (e *Engine) Reconcile(ctx context.Context, req Request) (*Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.reconcile")
	defer span.End()

	req.Method = Method(strings.ToLower(strings.TrimSpace(string(req.Method))))
	if err := req.Validate(); err != nil {
		return nil, err
	}

	release, err := e.locker.Lock(ctx, req.BuyerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, unavailable("lock account", err)
	}
	defer release()

	orderID := OrderIDFor(req.BuyerID, req.IdempotencyKey)
	product, err := e.products.Get(ctx, req.ProductID)
	if err != nil {
		return nil, e.mapLoad(ctx, err, EntityProduct, req.ProductID)
	}
	fund, need, err := Required(req.Method, *product)
	if err != nil {
		return nil, err
	}

	prior, err := e.debitFor(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", ErrNothingToReconcile, orderID)
	} else if err != nil {
		return nil, unavailable("find movement", err)
	}
	if err := matchDebit(prior, fund, need, req.IdempotencyKey); err != nil {
		return nil, err
	}

	e.log.Info("♻️ [RECONCILE] completing debited attempt", "order_id", orderID, "buyer_id", req.BuyerID)
	return e.finish(context.WithoutCancel(ctx), req, *product, orderID, fund, need, true, false)
}

// TokenAudit compares an account's token count with the sum of its log.
type TokenAudit struct {
	UserID     string `json:"user_id"`
	TokenCount int64  `json:"token_count"`
	LedgerSum  int64  `json:"ledger_sum"`
	Drift      int64  `json:"drift"`
}

// AuditTokens reports drift between the token count and the token log.
func (e *Engine) AuditTokens(ctx context.Context, userID string) (*TokenAudit, error) {
	account, err := e.accounts.Get(ctx, userID)
	if err != nil {
		return nil, e.mapLoad(ctx, err, EntityAccount, userID)
	}
	sum, err := e.tokens.Sum(ctx, userID)
	if err != nil {
		return nil, unavailable("sum token log", err)
	}
	audit := &TokenAudit{
		UserID:     userID,
		TokenCount: account.TokenCount,
		LedgerSum:  sum,
		Drift:      account.TokenCount - sum,
	}
	if audit.Drift != 0 {
		e.log.Warn("⚠️ [AUDIT] token log drift", "user_id", userID, "token_count", account.TokenCount, "ledger_sum", sum)
	}
	return audit, nil
}

// AddToCart records a pending order with no payment attached. Pending orders
// are never settled.
func (e *Engine) AddToCart(ctx context.Context, buyerID, productID string) (*Order, error) {
	if _, err := e.accounts.Get(ctx, buyerID); err != nil {
		return nil, e.mapLoad(ctx, err, EntityAccount, buyerID)
	}
	product, err := e.products.Get(ctx, productID)
	if err != nil {
		return nil, e.mapLoad(ctx, err, EntityProduct, productID)
	}
	order, err := e.orders.Create(ctx, NewCartOrder(uuid.NewString(), buyerID, *product))
	if err != nil {
		return nil, unavailable("create cart order", err)
	}
	return order, nil
}
