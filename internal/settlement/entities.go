package settlement

import (
	"fmt"
	"strings"
	"time"
)

// TokenValueCents is the fixed exchange rate of the token fund: 1 token = $0.10.
const TokenValueCents int64 = 10

// Method is the payment method chosen at checkout.
type Method string

const (
	MethodBalance Method = "balance"
	MethodTokens  Method = "tokens"
	// MethodCreditCard is the external card method. It is recognised but
	// permanently disabled, so it never reaches a debit and is never
	// persisted on an Order.
	MethodCreditCard Method = "stripe"
)

// ParseMethod validates a payment method coming from a caller.
// Card aliases resolve to MethodCreditCard together with ErrUnsupportedMethod.
func ParseMethod(raw string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MethodBalance):
		return MethodBalance, nil
	case string(MethodTokens):
		return MethodTokens, nil
	case string(MethodCreditCard), "card", "credit_card", "creditcard", "external_card":
		return MethodCreditCard, ErrUnsupportedMethod
	default:
		return "", fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, raw)
	}
}

// Fund is the account field a payment draws from.
type Fund string

const (
	FundBalance Fund = "balance"
	FundTokens  Fund = "tokens"
)

// Account holds a user's spendable balance (minor units) and token count.
type Account struct {
	UserID     string    `json:"user_id" db:"user_id"`
	Balance    int64     `json:"balance" db:"balance"`
	TokenCount int64     `json:"token_count" db:"token_count"`
	Version    int64     `json:"version" db:"version"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// NewAccount registers an empty account.
func NewAccount(userID string) *Account {
	now := time.Now().UTC()
	return &Account{
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Available returns what the account holds in the given fund.
func (a Account) Available(f Fund) int64 {
	if f == FundTokens {
		return a.TokenCount
	}
	return a.Balance
}

// Adjustment is a compare-and-swap write against one fund of an account.
// Reference makes the write idempotent: a store applies a reference at most once per fund.
type Adjustment struct {
	UserID          string
	Delta           int64
	ExpectedVersion int64
	Reference       string
}

// Movement is the persisted trace of an applied Adjustment.
type Movement struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Fund      Fund      `json:"fund" db:"fund"`
	Delta     int64     `json:"delta" db:"delta"`
	Reference string    `json:"reference" db:"reference"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TokenKind classifies a token transaction.
type TokenKind string

const (
	TokenEarned TokenKind = "earned"
	TokenSpent  TokenKind = "spent"
)

// TokenTransaction is an immutable entry of the token log.
type TokenTransaction struct {
	ID          string    `json:"id" db:"id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	Amount      int64     `json:"amount" db:"amount"`
	Kind        TokenKind `json:"kind" db:"kind"`
	Description string    `json:"description" db:"description"`
	Reference   string    `json:"reference" db:"reference"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusPaid    OrderStatus = "paid"
	OrderStatusFailed  OrderStatus = "failed"
)

// Order records a purchase attempt.
type Order struct {
	ID             string      `json:"id" db:"id"`
	BuyerID        string      `json:"buyer_id" db:"buyer_id"`
	ProductID      string      `json:"product_id" db:"product_id"`
	TotalAmount    int64       `json:"total_amount" db:"total_amount"`
	Status         OrderStatus `json:"status" db:"status"`
	PaymentMethod  Method      `json:"payment_method,omitempty" db:"payment_method"`
	IdempotencyKey string      `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// NewPaidOrder builds the order written once funds are confirmed deducted.
func NewPaidOrder(id, buyerID, productID string, total int64, method Method, key string) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:             id,
		BuyerID:        buyerID,
		ProductID:      productID,
		TotalAmount:    total,
		Status:         OrderStatusPaid,
		PaymentMethod:  method,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewCartOrder builds a pending order with no payment attached.
func NewCartOrder(id, buyerID string, product Product) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:          id,
		BuyerID:     buyerID,
		ProductID:   product.ID,
		TotalAmount: product.Price,
		Status:      OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Product is catalog reference data. Settlement reads it and never mutates it.
type Product struct {
	ID            string    `json:"id" db:"id"`
	SellerID      string    `json:"seller_id,omitempty" db:"seller_id"`
	Name          string    `json:"name" db:"name"`
	Description   string    `json:"description,omitempty" db:"description"`
	Category      string    `json:"category,omitempty" db:"category"`
	Price         int64     `json:"price" db:"price"`
	StockQuantity int       `json:"stock_quantity" db:"stock_quantity"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Validate checks the fields required to list a product.
func (p Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidRequest)
	}
	if p.Price < 0 {
		return fmt.Errorf("%w: product price must not be negative", ErrInvalidRequest)
	}
	if p.StockQuantity < 0 {
		return fmt.Errorf("%w: stock quantity must not be negative", ErrInvalidRequest)
	}
	return nil
}

// TokensFor converts a price in cents into tokens, rounding up.
// $4.53 costs 46 tokens, never 45.
func TokensFor(priceCents int64) int64 {
	if priceCents <= 0 {
		return 0
	}
	return (priceCents + TokenValueCents - 1) / TokenValueCents
}

// Required returns the fund and amount a method draws for a product.
func Required(method Method, product Product) (Fund, int64, error) {
	switch method {
	case MethodBalance:
		return FundBalance, product.Price, nil
	case MethodTokens:
		return FundTokens, TokensFor(product.Price), nil
	case MethodCreditCard:
		return "", 0, ErrUnsupportedMethod
	default:
		return "", 0, fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, method)
	}
}
