package settlement

import (
	"context"
	"encoding/json"
	"errors"
)

// Outcome is the discriminator of a settlement result document.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeUnsupportedMethod Outcome = "unsupported_method"
	OutcomeContention        Outcome = "contention"
	OutcomePartialFailure    Outcome = "partial_failure"
	OutcomeUnavailable       Outcome = "unavailable"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeInvalidRequest    Outcome = "invalid_request"
)

// OutcomeOf classifies an error returned by Settle. A nil error is a success.
func OutcomeOf(err error) Outcome {
	var (
		insufficient *InsufficientFundsError
		notFound     *NotFoundError
	)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrPartialFailure):
		return OutcomePartialFailure
	case errors.As(err, &insufficient), errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficientFunds
	case errors.As(err, &notFound):
		return OutcomeNotFound
	case errors.Is(err, ErrUnsupportedMethod):
		return OutcomeUnsupportedMethod
	case errors.Is(err, ErrContention):
		return OutcomeContention
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrKeyReused):
		return OutcomeInvalidRequest
	default:
		return OutcomeUnavailable
	}
}

// Result is the wire document returned for a settle call. Only the fields of
// the active outcome are encoded.
type Result struct {
	Outcome Outcome
	OrderID string
	Have    int64
	Need    int64
	Fund    Fund
	Missing Entity
	Message string
	// Replayed marks a success served from an earlier attempt with the same key.
	Replayed bool
}

// ResultOf builds the wire document for a Settle return pair.
func ResultOf(receipt *Receipt, err error) Result {
	r := Result{Outcome: OutcomeOf(err)}
	switch r.Outcome {
	case OutcomeSuccess:
		if receipt != nil {
			r.OrderID = receipt.OrderID
			r.Replayed = receipt.Replayed
		}
	case OutcomeInsufficientFunds:
		var ife *InsufficientFundsError
		if errors.As(err, &ife) {
			r.Have, r.Need, r.Fund = ife.Have, ife.Need, ife.Fund
		}
		r.Message = "add funds or tokens and try again"
	case OutcomeNotFound:
		var nf *NotFoundError
		if errors.As(err, &nf) {
			r.Missing = nf.Missing
		}
	case OutcomeUnsupportedMethod:
		r.Message = ErrUnsupportedMethod.Error()
	case OutcomePartialFailure:
		var pf *PartialFailureError
		if errors.As(err, &pf) {
			r.OrderID = pf.OrderID
		}
		r.Message = ErrPartialFailure.Error()
	default:
		if err != nil {
			r.Message = err.Error()
		}
	}
	return r
}

// Err rebuilds a taxonomy error from a decoded document. Success yields nil.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeInsufficientFunds:
		return &InsufficientFundsError{Fund: r.Fund, Have: r.Have, Need: r.Need}
	case OutcomeNotFound:
		return &NotFoundError{Missing: r.Missing}
	case OutcomeUnsupportedMethod:
		return ErrUnsupportedMethod
	case OutcomeContention:
		return ErrContention
	case OutcomePartialFailure:
		return &PartialFailureError{OrderID: r.OrderID, Cause: errors.New(r.Message)}
	case OutcomeCancelled:
		return ErrCancelled
	case OutcomeInvalidRequest:
		return errors.Join(ErrInvalidRequest, errors.New(r.Message))
	default:
		return errors.Join(ErrUnavailable, errors.New(r.Message))
	}
}

func (r Result) MarshalJSON() ([]byte, error) {
	doc := map[string]any{"outcome": r.Outcome}
	switch r.Outcome {
	case OutcomeSuccess:
		doc["orderId"] = r.OrderID
		if r.Replayed {
			doc["replayed"] = true
		}
	case OutcomeInsufficientFunds:
		doc["have"] = r.Have
		doc["need"] = r.Need
		doc["fund"] = r.Fund
	case OutcomeNotFound:
		doc["missing"] = r.Missing
	case OutcomePartialFailure:
		if r.OrderID == "" {
			doc["orderId"] = nil
		} else {
			doc["orderId"] = r.OrderID
		}
	}
	if r.Message != "" && r.Outcome != OutcomeSuccess {
		doc["message"] = r.Message
	}
	return json.Marshal(doc)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var doc struct {
		Outcome  Outcome `json:"outcome"`
		OrderID  *string `json:"orderId"`
		Have     int64   `json:"have"`
		Need     int64   `json:"need"`
		Fund     Fund    `json:"fund"`
		Missing  Entity  `json:"missing"`
		Message  string  `json:"message"`
		Replayed bool    `json:"replayed"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*r = Result{
		Outcome:  doc.Outcome,
		Have:     doc.Have,
		Need:     doc.Need,
		Fund:     doc.Fund,
		Missing:  doc.Missing,
		Message:  doc.Message,
		Replayed: doc.Replayed,
	}
	if doc.OrderID != nil {
		r.OrderID = *doc.OrderID
	}
	return nil
}
