// Package settlement converts a payment method and a product price into a
// debited account, a token log entry and a paid order.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/marketplace-checkout/internal/lock"
)

// orderNamespace seeds the deterministic order ids derived from idempotency keys.
var orderNamespace = uuid.MustParse("6f1c8a52-3b7e-4d0a-9f64-2a51c7e0b9d3")

// OrderIDFor maps an attempt to its order id. Every retry of the same
// (buyer, key) pair lands on the same order.
func OrderIDFor(buyerID, key string) string {
	return uuid.NewSHA1(orderNamespace, []byte(buyerID+"\x00"+key)).String()
}

// Request asks the engine to settle one purchase attempt.
type Request struct {
	BuyerID        string `json:"buyerId"`
	ProductID      string `json:"productId"`
	Method         Method `json:"paymentMethod"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Validate checks the request shape before anything is read.
func (r Request) Validate() error {
	if _, err := ParseMethod(string(r.Method)); err != nil {
		return err
	}
	var missing []string
	if strings.TrimSpace(r.BuyerID) == "" {
		missing = append(missing, "buyerId")
	}
	if strings.TrimSpace(r.ProductID) == "" {
		missing = append(missing, "productId")
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		missing = append(missing, "idempotencyKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Receipt describes a successful settlement.
type Receipt struct {
	OrderID  string `json:"orderId"`
	Method   Method `json:"paymentMethod"`
	Fund     Fund   `json:"fund"`
	Charged  int64  `json:"charged"`
	Replayed bool   `json:"replayed"`
}

// Options tunes an Engine. Zero values pick the defaults.
type Options struct {
	// MaxAttempts bounds the read-check-write cycle on version conflicts.
	MaxAttempts int
	// OrderRetries is how many times post-debit writes are re-attempted.
	// Negative disables retries.
	OrderRetries int
	RetryBackoff time.Duration
	Locker       Locker
	Compensator  Compensator
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Meter        metric.Meter
}

// Engine is the payment settlement engine.
type Engine struct {
	accounts AccountStore
	products ProductCatalog
	orders   OrderStore
	tokens   TokenLedger

	locker       Locker
	compensator  Compensator
	log          *slog.Logger
	tracer       trace.Tracer
	maxAttempts  int
	orderRetries int
	backoff      time.Duration

	outcomes     metric.Int64Counter
	casRetries   metric.Int64Counter
	writeRetries metric.Int64Counter
}

// NewEngine wires the engine to its collaborators.
func NewEngine(accounts AccountStore, products ProductCatalog, orders OrderStore, tokens TokenLedger, opts Options) *Engine {
	e := &Engine{
		accounts:     accounts,
		products:     products,
		orders:       orders,
		tokens:       tokens,
		locker:       opts.Locker,
		compensator:  opts.Compensator,
		log:          opts.Logger,
		tracer:       opts.Tracer,
		maxAttempts:  opts.MaxAttempts,
		orderRetries: opts.OrderRetries,
		backoff:      opts.RetryBackoff,
	}
	if e.locker == nil {
		e.locker = lock.NewMutexLocker()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("settlement")
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 3
	}
	if e.orderRetries < 0 {
		e.orderRetries = 0
	} else if e.orderRetries == 0 {
		e.orderRetries = 3
	}
	if e.backoff <= 0 {
		e.backoff = 50 * time.Millisecond
	}

	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("settlement")
	}
	e.outcomes = counter(meter, "settlement.outcomes", "Settlement attempts by outcome")
	e.casRetries = counter(meter, "settlement.cas_retries", "Read-check-write cycles repeated after a version conflict")
	e.writeRetries = counter(meter, "settlement.write_retries", "Post-debit writes re-attempted")
	return e
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// Settle verifies funds, debits them, logs the token spend and records a paid order.
//
// Cancellation is honoured until the debit starts. From then on the attempt
// runs to completion or to a PartialFailureError.
func (e *Engine) Settle(ctx context.Context, req Request) (receipt *Receipt, err error) {
	ctx, span := e.tracer.Start(ctx, "settlement.settle")
	span.SetAttributes(
		attribute.String("buyer_id", req.BuyerID),
		attribute.String("product_id", req.ProductID),
		attribute.String("payment_method", string(req.Method)),
	)
	defer func() {
		outcome := OutcomeOf(err)
		e.outcomes.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(outcome))
		}
		span.End()
	}()

	req.Method = Method(strings.ToLower(strings.TrimSpace(string(req.Method))))
	if err := req.Validate(); err != nil {
		return nil, err
	}
	orderID := OrderIDFor(req.BuyerID, req.IdempotencyKey)
	span.SetAttributes(attribute.String("order_id", orderID))

	if receipt, err := e.replay(ctx, req); receipt != nil || err != nil {
		return receipt, err
	}

	release, err := e.locker.Lock(ctx, req.BuyerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, unavailable("lock account", err)
	}
	defer release()

	// The first replay check ran unlocked; a concurrent twin may have finished since.
	if receipt, err := e.replay(ctx, req); receipt != nil || err != nil {
		return receipt, err
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		account, product, err := e.load(ctx, req)
		if err != nil {
			return nil, err
		}
		fund, need, err := Required(req.Method, *product)
		if err != nil {
			return nil, err
		}

		// A debit for this attempt may already exist from an interrupted run,
		// in either fund.
		if prior, err := e.debitFor(ctx, orderID); err == nil {
			if err := matchDebit(prior, fund, need, req.IdempotencyKey); err != nil {
				return nil, err
			}
			e.log.Info("ℹ️ [IDEMPOTENCY] debit already applied, resuming", "order_id", orderID, "buyer_id", req.BuyerID)
			return e.finish(context.WithoutCancel(ctx), req, *product, orderID, fund, need, true, true)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, unavailable("find movement", err)
		}

		have := account.Available(fund)
		if have < need {
			e.log.Info("❌ [SETTLE] insufficient funds", "buyer_id", req.BuyerID, "fund", fund, "have", have, "need", need)
			return nil, &InsufficientFundsError{Fund: fund, Have: have, Need: need}
		}

		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		// Point of no return: the debit and everything after ignores cancellation.
		debitCtx := context.WithoutCancel(ctx)
		_, err = e.debit(debitCtx, fund, Adjustment{
			UserID:          req.BuyerID,
			Delta:           -need,
			ExpectedVersion: account.Version,
			Reference:       orderID,
		})
		switch {
		case err == nil, errors.Is(err, ErrDuplicate):
			span.AddEvent("debited", trace.WithAttributes(attribute.Int64("amount", need)))
			return e.finish(debitCtx, req, *product, orderID, fund, need, errors.Is(err, ErrDuplicate), true)
		case errors.Is(err, ErrConflict):
			e.casRetries.Add(debitCtx, 1)
			if attempt >= e.maxAttempts {
				e.log.Warn("⚠️ [SETTLE] contention, giving up", "buyer_id", req.BuyerID, "attempts", attempt)
				return nil, fmt.Errorf("%w: %d attempts on account %s", ErrContention, attempt, req.BuyerID)
			}
			continue
		case errors.Is(err, ErrInsufficientFunds):
			return nil, &InsufficientFundsError{Fund: fund, Have: have, Need: need}
		case errors.Is(err, ErrNotFound):
			return nil, &NotFoundError{Missing: EntityAccount, ID: req.BuyerID}
		default:
			// The write may or may not have landed; the movement row decides.
			if prior, ferr := e.debitFor(debitCtx, orderID); ferr == nil && matchDebit(prior, fund, need, req.IdempotencyKey) == nil {
				return e.finish(debitCtx, req, *product, orderID, fund, need, false, true)
			}
			return nil, unavailable("debit", err)
		}
	}
}

// replay returns the receipt of an attempt whose order already exists.
func (e *Engine) replay(ctx context.Context, req Request) (*Receipt, error) {
	existing, err := e.orders.FindByKey(ctx, req.BuyerID, req.IdempotencyKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, unavailable("find order", err)
	}
	if existing.ProductID != req.ProductID || existing.PaymentMethod != req.Method {
		return nil, fmt.Errorf("%w: key %s", ErrKeyReused, req.IdempotencyKey)
	}

	e.log.Info("ℹ️ [IDEMPOTENCY] order already settled", "order_id", existing.ID, "key", req.IdempotencyKey)
	fund := FundBalance
	charged := existing.TotalAmount
	if existing.PaymentMethod == MethodTokens {
		fund = FundTokens
		charged = TokensFor(existing.TotalAmount)
	}
	return &Receipt{
		OrderID:  existing.ID,
		Method:   existing.PaymentMethod,
		Fund:     fund,
		Charged:  charged,
		Replayed: true,
	}, nil
}

func (e *Engine) load(ctx context.Context, req Request) (*Account, *Product, error) {
	account, err := e.accounts.Get(ctx, req.BuyerID)
	if err != nil {
		return nil, nil, e.mapLoad(ctx, err, EntityAccount, req.BuyerID)
	}
	product, err := e.products.Get(ctx, req.ProductID)
	if err != nil {
		return nil, nil, e.mapLoad(ctx, err, EntityProduct, req.ProductID)
	}
	if product.Price < 0 {
		return nil, nil, fmt.Errorf("%w: product %s has a negative price", ErrInvalidRequest, product.ID)
	}
	return account, product, nil
}

func (e *Engine) mapLoad(ctx context.Context, err error, entity Entity, id string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &NotFoundError{Missing: entity, ID: id}
	case ctx.Err() != nil:
		return cancelled(ctx.Err())
	default:
		return unavailable("load "+string(entity), err)
	}
}

// debitFor returns the movement recorded under an attempt's order ID, whichever
// fund it drew from.
func (e *Engine) debitFor(ctx context.Context, orderID string) (*Movement, error) {
	for _, fund := range []Fund{FundBalance, FundTokens} {
		mv, err := e.accounts.FindMovement(ctx, orderID, fund)
		if err == nil {
			return mv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// matchDebit rejects a request whose charge differs from the debit already
// taken under its key.
func matchDebit(prior *Movement, fund Fund, need int64, key string) error {
	if prior.Fund != fund || -prior.Delta != need {
		return fmt.Errorf("%w: key %s already debited %d from %s", ErrKeyReused, key, -prior.Delta, prior.Fund)
	}
	return nil
}

func (e *Engine) debit(ctx context.Context, fund Fund, adj Adjustment) (*Account, error) {
	if fund == FundTokens {
		return e.accounts.AdjustTokens(ctx, adj)
	}
	return e.accounts.AdjustBalance(ctx, adj)
}

// finish writes the token log entry and the paid order for a debited attempt.
// notify hands partial failures to the compensator.
func (e *Engine) finish(ctx context.Context, req Request, product Product, orderID string, fund Fund, need int64, resumed, notify bool) (*Receipt, error) {
	var logErr error
	if req.Method == MethodTokens {
		logErr = e.retry(ctx, "append token transaction", func() error {
			err := e.tokens.Append(ctx, &TokenTransaction{
				ID:          uuid.NewString(),
				AccountID:   req.BuyerID,
				Amount:      -need,
				Kind:        TokenSpent,
				Description: "Purchase: " + product.Name,
				Reference:   orderID,
				CreatedAt:   time.Now().UTC(),
			})
			if errors.Is(err, ErrDuplicate) {
				return nil
			}
			return err
		})
	}

	order := NewPaidOrder(orderID, req.BuyerID, product.ID, product.Price, req.Method, req.IdempotencyKey)
	orderErr := e.retry(ctx, "create order", func() error {
		_, err := e.orders.Create(ctx, order)
		if errors.Is(err, ErrDuplicate) {
			return nil
		}
		return err
	})

	if logErr != nil || orderErr != nil {
		pf := &PartialFailureError{
			BuyerID:        req.BuyerID,
			ProductID:      product.ID,
			IdempotencyKey: req.IdempotencyKey,
			Method:         req.Method,
			Fund:           fund,
			Amount:         need,
			Cause:          errors.Join(logErr, orderErr),
		}
		if orderErr == nil {
			pf.OrderID = orderID
		}
		e.log.Error("🚨 [SETTLE] partial failure: funds debited without complete records",
			"buyer_id", req.BuyerID,
			"product_id", product.ID,
			"idempotency_key", req.IdempotencyKey,
			"order_id", orderID,
			"fund", fund,
			"amount", need,
			"error", pf.Cause,
		)
		if notify && e.compensator != nil {
			if err := e.compensator.PartialFailure(ctx, *pf); err != nil {
				e.log.Error("🚨 [SETTLE] compensation hand-off failed", "order_id", orderID, "error", err)
			}
		}
		return nil, pf
	}

	e.log.Info("✅ [SETTLE] paid", "order_id", orderID, "buyer_id", req.BuyerID, "fund", fund, "amount", need)
	return &Receipt{
		OrderID:  orderID,
		Method:   req.Method,
		Fund:     fund,
		Charged:  need,
		Replayed: resumed,
	}, nil
}

func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i <= e.orderRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == e.orderRetries {
			break
		}
		e.writeRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		e.log.Warn("⏳ [SETTLE] retrying write", "op", op, "attempt", i+1, "error", err)
		time.Sleep(e.backoff * time.Duration(i+1))
	}
	return fmt.Errorf("%s: %w", op, err)
}
