package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
	"github.com/matheusmosca/marketplace-checkout/internal/store/memory"
)

type testServer struct {
	store  *memory.Store
	router *gin.Engine
}

func newTestServer(t *testing.T, limiter Limiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	store.Seed("buyer-1", 100_00, 500)
	require.NoError(t, store.Products().Create(context.Background(), &settlement.Product{
		ID: "prod-lamp", Name: "Vintage Lamp", Price: 45_00, StockQuantity: 2,
	}))
	engine := settlement.NewEngine(store.Accounts(), store.Products(), store.Orders(), store.Tokens(), settlement.Options{
		Logger:       log,
		RetryBackoff: time.Millisecond,
	})
	h := NewHandler(Deps{
		Engine:   engine,
		Accounts: store.Accounts(),
		Products: store.Products(),
		Orders:   store.Orders(),
		Tokens:   store.Tokens(),
		Limiter:  limiter,
		Logger:   log,
	})
	return &testServer{store: store, router: NewRouter(h, "checkout-test")}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func settleBodyFor(method string) map[string]string {
	return map[string]string{"buyerId": "buyer-1", "productId": "prod-lamp", "paymentMethod": method}
}

func TestSettle_Success(t *testing.T) {
	// Arrange
	s := newTestServer(t, nil)
	headers := map[string]string{IdempotencyHeader: "click-1"}

	// Act
	first := s.do(http.MethodPost, "/api/settlements", settleBodyFor("balance"), headers)
	second := s.do(http.MethodPost, "/api/settlements", settleBodyFor("balance"), headers)

	// Assert
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	r1 := decode[settlement.Result](t, first)
	assert.Equal(t, settlement.OutcomeSuccess, r1.Outcome)
	assert.Equal(t, settlement.OrderIDFor("buyer-1", "click-1"), r1.OrderID)

	require.Equal(t, http.StatusOK, second.Code)
	r2 := decode[settlement.Result](t, second)
	assert.Equal(t, r1.OrderID, r2.OrderID)
	assert.True(t, r2.Replayed)

	acc := decode[settlement.Account](t, s.do(http.MethodGet, "/api/accounts/buyer-1", nil, nil))
	assert.Equal(t, int64(55_00), acc.Balance)
}

func TestSettle_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		body    map[string]string
		key     string
		status  int
		outcome settlement.Outcome
	}{
		{"unsupported card", settleBodyFor("stripe"), "k1", http.StatusUnprocessableEntity, settlement.OutcomeUnsupportedMethod},
		{"unknown product", map[string]string{"buyerId": "buyer-1", "productId": "nope", "paymentMethod": "tokens"}, "k2", http.StatusNotFound, settlement.OutcomeNotFound},
		{"missing key", settleBodyFor("balance"), "", http.StatusBadRequest, settlement.OutcomeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			body := tt.body
			if tt.key != "" {
				body["idempotencyKey"] = tt.key
			}

			w := s.do(http.MethodPost, "/api/settlements", body, nil)

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.outcome, decode[settlement.Result](t, w).Outcome)
		})
	}
}

func TestSettle_InsufficientTokens(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.Seed("buyer-1", 0, 449)

	w := s.do(http.MethodPost, "/api/settlements", settleBodyFor("tokens"), map[string]string{IdempotencyHeader: "k"})

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.JSONEq(t, `{"outcome":"insufficient_funds","have":449,"need":450,"fund":"tokens","message":"add funds or tokens and try again"}`, w.Body.String())
}

func TestSettle_HeaderAndBodyKeyMustAgree(t *testing.T) {
	s := newTestServer(t, nil)
	body := settleBodyFor("balance")
	body["idempotencyKey"] = "from-body"

	w := s.do(http.MethodPost, "/api/settlements", body, map[string]string{IdempotencyHeader: "from-header"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettle_RateLimited(t *testing.T) {
	s := newTestServer(t, NewBuyerLimiter(0.001, 1))
	headers := func(k string) map[string]string { return map[string]string{IdempotencyHeader: k} }

	first := s.do(http.MethodPost, "/api/settlements", settleBodyFor("balance"), headers("a"))
	second := s.do(http.MethodPost, "/api/settlements", settleBodyFor("balance"), headers("b"))

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestReconcile_NothingToDo(t *testing.T) {
	s := newTestServer(t, nil)
	body := settleBodyFor("balance")
	body["idempotencyKey"] = "never-debited"

	w := s.do(http.MethodPost, "/api/settlements/reconcile", body, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nothing to reconcile")
}

func TestAccounts(t *testing.T) {
	s := newTestServer(t, nil)

	created := s.do(http.MethodPost, "/api/accounts", map[string]string{"user_id": "buyer-2"}, nil)
	require.Equal(t, http.StatusCreated, created.Code)
	dup := s.do(http.MethodPost, "/api/accounts", map[string]string{"user_id": "buyer-2"}, nil)
	assert.Equal(t, http.StatusConflict, dup.Code)

	funds := s.do(http.MethodPost, "/api/accounts/buyer-2/funds", nil, map[string]string{IdempotencyHeader: "t1"})
	require.Equal(t, http.StatusOK, funds.Code, funds.Body.String())
	assert.Equal(t, int64(100_00), decode[settlement.Account](t, funds).Balance)

	tokens := s.do(http.MethodPost, "/api/accounts/buyer-2/tokens", map[string]any{"amount": 20}, nil)
	require.Equal(t, http.StatusOK, tokens.Code)
	assert.Equal(t, int64(20), decode[settlement.Account](t, tokens).TokenCount)

	txs := decode[[]settlement.TokenTransaction](t, s.do(http.MethodGet, "/api/accounts/buyer-2/token-transactions", nil, nil))
	require.Len(t, txs, 1)
	assert.Equal(t, "Bonus tokens", txs[0].Description)

	audit := decode[settlement.TokenAudit](t, s.do(http.MethodGet, "/api/accounts/buyer-2/reconciliation", nil, nil))
	assert.Equal(t, int64(0), audit.Drift)

	missing := s.do(http.MethodGet, "/api/accounts/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestProductsAndCart(t *testing.T) {
	s := newTestServer(t, nil)

	created := s.do(http.MethodPost, "/api/products", map[string]any{"name": "Rug", "price": 12_50, "stock_quantity": 1}, nil)
	require.Equal(t, http.StatusCreated, created.Code)
	product := decode[settlement.Product](t, created)
	assert.NotEmpty(t, product.ID)

	invalid := s.do(http.MethodPost, "/api/products", map[string]any{"name": "", "price": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)

	list := decode[[]settlement.Product](t, s.do(http.MethodGet, "/api/products", nil, nil))
	assert.Len(t, list, 2)

	cart := s.do(http.MethodPost, "/api/orders/cart", map[string]string{"buyer_id": "buyer-1", "product_id": product.ID}, nil)
	require.Equal(t, http.StatusCreated, cart.Code)
	assert.Equal(t, settlement.OrderStatusPending, decode[settlement.Order](t, cart).Status)

	orders := decode[[]settlement.Order](t, s.do(http.MethodGet, "/api/accounts/buyer-1/orders", nil, nil))
	assert.Len(t, orders, 1)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, StatusFor(settlement.OutcomePartialFailure))
	assert.Equal(t, http.StatusConflict, StatusFor(settlement.OutcomeContention))
	assert.Equal(t, StatusClientClosedRequest, StatusFor(settlement.OutcomeCancelled))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(settlement.OutcomeUnavailable))
}
