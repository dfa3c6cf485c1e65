package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/marketplace-checkout/internal/compensation"
	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
	"github.com/matheusmosca/marketplace-checkout/internal/telemetry"
)

// IdempotencyHeader carries the attempt key for a settle call.
const IdempotencyHeader = "Idempotency-Key"

// Handler serves the checkout API.
type Handler struct {
	engine   *settlement.Engine
	accounts settlement.AccountStore
	products settlement.ProductCatalog
	orders   settlement.OrderStore
	tokens   settlement.TokenLedger
	limiter  Limiter
	log      *slog.Logger
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Engine   *settlement.Engine
	Accounts settlement.AccountStore
	Products settlement.ProductCatalog
	Orders   settlement.OrderStore
	Tokens   settlement.TokenLedger
	Limiter  Limiter
	Logger   *slog.Logger
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		engine:   d.Engine,
		accounts: d.Accounts,
		products: d.Products,
		orders:   d.Orders,
		tokens:   d.Tokens,
		limiter:  d.Limiter,
		log:      d.Logger,
	}
	if h.limiter == nil {
		h.limiter = NewBuyerLimiter(0, 0)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

type settleBody struct {
	BuyerID        string `json:"buyerId"`
	ProductID      string `json:"productId"`
	PaymentMethod  string `json:"paymentMethod"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Settle runs one checkout attempt and answers with the outcome document.
func (h *Handler) Settle(c *gin.Context) {
	var body settleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	switch {
	case key == "":
		key = body.IdempotencyKey
	case body.IdempotencyKey != "" && body.IdempotencyKey != key:
		badRequest(c, fmt.Errorf("%s header and idempotencyKey differ", IdempotencyHeader))
		return
	}

	if !h.limiter.Allow(body.BuyerID) {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many checkout attempts"})
		return
	}

	span := trace.SpanFromContext(c.Request.Context())
	span.SetAttributes(attribute.String("idempotency_key", key))

	receipt, err := h.engine.Settle(c.Request.Context(), settlement.Request{
		BuyerID:        body.BuyerID,
		ProductID:      body.ProductID,
		Method:         settlement.Method(body.PaymentMethod),
		IdempotencyKey: key,
	})
	result := settlement.ResultOf(receipt, err)
	status := StatusFor(result.Outcome)
	if result.Outcome == settlement.OutcomeSuccess && !result.Replayed {
		status = http.StatusCreated
	}
	if err != nil {
		h.log.Info("ℹ️ [SETTLE] attempt rejected", "buyer_id", body.BuyerID, "outcome", result.Outcome, "error", err)
	}
	c.JSON(status, result)
}

// Reconcile finishes a debited attempt. DTM calls it until it answers 200.
func (h *Handler) Reconcile(c *gin.Context) {
	var payload compensation.ReconcilePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		var span trace.Span
		ctx, span = telemetry.StartSpanFromRef(ctx, "settlement.reconcile_branch", payload.TraceRef)
		defer span.End()
	}

	receipt, err := h.engine.Reconcile(ctx, payload.Request)
	if errors.Is(err, settlement.ErrNothingToReconcile) {
		c.JSON(http.StatusOK, gin.H{"result": "nothing to reconcile"})
		return
	}
	if err != nil {
		h.log.Warn("⚠️ [RECONCILE] FAILED", "buyer_id", payload.BuyerID, "key", payload.IdempotencyKey, "error", err)
		c.JSON(StatusFor(settlement.OutcomeOf(err)), settlement.ResultOf(nil, err))
		return
	}
	c.JSON(http.StatusOK, settlement.ResultOf(receipt, nil))
}

type createAccountBody struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) CreateAccount(c *gin.Context) {
	var body createAccountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	acc, err := h.accounts.Create(c.Request.Context(), body.UserID)
	if errors.Is(err, settlement.ErrDuplicate) {
		c.JSON(http.StatusConflict, acc)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

func (h *Handler) GetAccount(c *gin.Context) {
	acc, err := h.accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

type topUpBody struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (h *Handler) bindTopUp(c *gin.Context, defaultAmount int64) (topUpBody, bool) {
	var body topUpBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return body, false
	}
	if body.Amount == 0 {
		body.Amount = defaultAmount
	}
	if body.Reference == "" {
		body.Reference = c.GetHeader(IdempotencyHeader)
	}
	return body, true
}

// AddFunds credits the balance, $100.00 unless an amount is given.
func (h *Handler) AddFunds(c *gin.Context) {
	body, ok := h.bindTopUp(c, settlement.DefaultFundsTopUp)
	if !ok {
		return
	}
	acc, err := h.engine.AddFunds(c.Request.Context(), c.Param("id"), body.Amount, body.Reference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// AddBonusTokens credits 50 tokens unless an amount is given.
func (h *Handler) AddBonusTokens(c *gin.Context) {
	body, ok := h.bindTopUp(c, settlement.DefaultBonusTokens)
	if !ok {
		return
	}
	acc, err := h.engine.AddBonusTokens(c.Request.Context(), c.Param("id"), body.Amount, body.Reference)
	if err != nil && acc == nil {
		writeError(c, err)
		return
	}
	if err != nil {
		// credited, but the log entry is missing
		c.JSON(http.StatusAccepted, gin.H{"account": acc, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (h *Handler) ListOrders(c *gin.Context) {
	orders, err := h.orders.ListByBuyer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if orders == nil {
		orders = []settlement.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (h *Handler) ListTokenTransactions(c *gin.Context) {
	txs, err := h.tokens.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []settlement.TokenTransaction{}
	}
	c.JSON(http.StatusOK, txs)
}

func (h *Handler) TokenReconciliation(c *gin.Context) {
	audit, err := h.engine.AuditTokens(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, audit)
}

func (h *Handler) ListProducts(c *gin.Context) {
	products, err := h.products.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if products == nil {
		products = []settlement.Product{}
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) GetProduct(c *gin.Context) {
	p, err := h.products.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) CreateProduct(c *gin.Context) {
	var p settlement.Product
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.products.Create(c.Request.Context(), &p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type cartBody struct {
	BuyerID   string `json:"buyer_id" binding:"required"`
	ProductID string `json:"product_id" binding:"required"`
}

func (h *Handler) AddToCart(c *gin.Context) {
	var body cartBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	order, err := h.engine.AddToCart(c.Request.Context(), body.BuyerID, body.ProductID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
