// Package client is a Go client for the checkout HTTP API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

// Client talks to one checkout service.
type Client struct {
	http *resty.Client
}

// New creates a client for baseURL, e.g. http://checkout-service:8080.
func New(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

// apiError is the body of non-settle failures.
type apiError struct {
	Error   string             `json:"error"`
	Outcome settlement.Outcome `json:"outcome"`
}

// StatusError reports a failed non-settle call.
type StatusError struct {
	Status  int
	Message string
	Outcome settlement.Outcome
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("checkout api: %d: %s", e.Status, e.Message)
}

// Unwrap lets callers match the settlement taxonomy with errors.Is.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return settlement.ErrNotFound
	case e.Status == http.StatusConflict && e.Outcome == "":
		return settlement.ErrDuplicate
	case e.Outcome != "":
		return settlement.Result{Outcome: e.Outcome, Message: e.Message}.Err()
	}
	return nil
}

// Settle submits a checkout attempt. Non-success outcomes come back as the
// matching settlement error (InsufficientFundsError, NotFoundError, ...).
// A retry with the same key is safe.
func (c *Client) Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error) {
	var result settlement.Result
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&result).
		SetError(&result).
		Post("/api/settlements")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", settlement.ErrUnavailable, err)
	}
	if result.Outcome == "" {
		return nil, &StatusError{Status: resp.StatusCode(), Message: resp.String()}
	}
	return &result, result.Err()
}

func (c *Client) Account(ctx context.Context, userID string) (*settlement.Account, error) {
	var acc settlement.Account
	if err := c.get(ctx, "/api/accounts/"+userID, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// AddFunds credits amount cents (0 means the default top-up).
func (c *Client) AddFunds(ctx context.Context, userID string, amount int64, reference string) (*settlement.Account, error) {
	return c.topUp(ctx, "/api/accounts/"+userID+"/funds", amount, reference)
}

// AddBonusTokens credits tokens (0 means the default bonus).
func (c *Client) AddBonusTokens(ctx context.Context, userID string, tokens int64, reference string) (*settlement.Account, error) {
	return c.topUp(ctx, "/api/accounts/"+userID+"/tokens", tokens, reference)
}

func (c *Client) Products(ctx context.Context) ([]settlement.Product, error) {
	var products []settlement.Product
	if err := c.get(ctx, "/api/products", &products); err != nil {
		return nil, err
	}
	return products, nil
}

func (c *Client) topUp(ctx context.Context, path string, amount int64, reference string) (*settlement.Account, error) {
	var acc settlement.Account
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"amount": amount, "reference": reference}).
		SetResult(&acc).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", settlement.ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, &StatusError{Status: resp.StatusCode(), Message: apiErr.Error, Outcome: apiErr.Outcome}
	}
	return &acc, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	var apiErr apiError
	resp, err := c.http.R().SetContext(ctx).SetResult(out).SetError(&apiErr).Get(path)
	if err != nil {
		return fmt.Errorf("%w: %v", settlement.ErrUnavailable, err)
	}
	if resp.IsError() {
		return &StatusError{Status: resp.StatusCode(), Message: apiErr.Error, Outcome: apiErr.Outcome}
	}
	return nil
}
