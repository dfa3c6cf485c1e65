// Package compensation follows up settlements that debited funds without
// writing a complete order record.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/go-resty/resty/v2"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
	"github.com/matheusmosca/marketplace-checkout/internal/telemetry"
)

// ReconcilePath is the endpoint DTM calls to finish a debited attempt.
const ReconcilePath = "/api/settlements/reconcile"

// ReconcilePayload is the body of a reconcile call.
type ReconcilePayload struct {
	settlement.Request
	telemetry.TraceRef
}

// DTMCompensator submits a DTM message whose single branch reconciles the
// attempt on this service. DTM retries the branch until it succeeds.
type DTMCompensator struct {
	server     string
	serviceURL string
	log        *slog.Logger
}

func NewDTMCompensator(server, serviceURL string, log *slog.Logger) *DTMCompensator {
	if log == nil {
		log = slog.Default()
	}
	return &DTMCompensator{
		server:     server,
		serviceURL: strings.TrimRight(serviceURL, "/"),
		log:        log,
	}
}

// GID is the DTM global transaction id for an attempt. It is stable so a
// repeated hand-off for the same attempt is rejected by DTM as a duplicate.
func GID(pf settlement.PartialFailureError) string {
	return "settle-" + settlement.OrderIDFor(pf.BuyerID, pf.IdempotencyKey)
}

func (c *DTMCompensator) PartialFailure(ctx context.Context, pf settlement.PartialFailureError) error {
	if pf.ProductID == "" {
		return fmt.Errorf("dtm compensation: attempt %s has no product to reconcile", pf.IdempotencyKey)
	}
	gid := GID(pf)
	ctx, span := telemetry.StartDTMSpan(ctx, "msg.submit", gid)
	defer span.End()

	payload := &ReconcilePayload{
		Request: settlement.Request{
			BuyerID:        pf.BuyerID,
			ProductID:      pf.ProductID,
			Method:         pf.Method,
			IdempotencyKey: pf.IdempotencyKey,
		},
		TraceRef: telemetry.RefFromContext(ctx),
	}
	msg := dtmcli.NewMsg(c.server, gid).Add(c.serviceURL+ReconcilePath, payload)
	if err := msg.Submit(); err != nil {
		span.RecordError(err)
		c.log.Error("❌ [COMPENSATE] DTM submit failed", "gid", gid, "error", err)
		return fmt.Errorf("submit dtm msg %s: %w", gid, err)
	}
	c.log.Info("✅ [COMPENSATE] reconcile scheduled", "gid", gid, "buyer_id", pf.BuyerID)
	return nil
}

// Alert is the document posted to the ops webhook.
type Alert struct {
	Event          string            `json:"event"`
	OrderID        string            `json:"order_id,omitempty"`
	BuyerID        string            `json:"buyer_id"`
	ProductID      string            `json:"product_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Method         settlement.Method `json:"payment_method,omitempty"`
	Fund           settlement.Fund   `json:"fund"`
	Amount         int64             `json:"amount"`
	Error          string            `json:"error"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// WebhookAlerter posts partial failures to an operations webhook.
type WebhookAlerter struct {
	client *resty.Client
	url    string
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	client := resty.New().
		SetTimeout(5*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &WebhookAlerter{client: client, url: url}
}

func (w *WebhookAlerter) PartialFailure(ctx context.Context, pf settlement.PartialFailureError) error {
	alert := Alert{
		Event:          "settlement.partial_failure",
		OrderID:        pf.OrderID,
		BuyerID:        pf.BuyerID,
		ProductID:      pf.ProductID,
		IdempotencyKey: pf.IdempotencyKey,
		Method:         pf.Method,
		Fund:           pf.Fund,
		Amount:         pf.Amount,
		OccurredAt:     time.Now().UTC(),
	}
	if pf.Cause != nil {
		alert.Error = pf.Cause.Error()
	}

	resp, err := w.client.R().SetContext(ctx).SetBody(alert).Post(w.url)
	if err != nil {
		return fmt.Errorf("post ops alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post ops alert: status %d", resp.StatusCode())
	}
	return nil
}

// Chain hands a partial failure to every compensator and joins their errors.
type Chain []settlement.Compensator

func (c Chain) PartialFailure(ctx context.Context, pf settlement.PartialFailureError) error {
	var errs []error
	for _, comp := range c {
		if err := comp.PartialFailure(ctx, pf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
