package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

// StatusClientClosedRequest is the nginx convention for a caller that went away.
const StatusClientClosedRequest = 499

// StatusFor maps a settlement outcome to its HTTP status.
func StatusFor(o settlement.Outcome) int {
	switch o {
	case settlement.OutcomeSuccess:
		return http.StatusOK
	case settlement.OutcomeInsufficientFunds:
		return http.StatusPaymentRequired
	case settlement.OutcomeNotFound:
		return http.StatusNotFound
	case settlement.OutcomeUnsupportedMethod:
		return http.StatusUnprocessableEntity
	case settlement.OutcomeContention:
		return http.StatusConflict
	case settlement.OutcomePartialFailure:
		return http.StatusBadGateway
	case settlement.OutcomeCancelled:
		return StatusClientClosedRequest
	case settlement.OutcomeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError renders errors from the non-settle endpoints.
func writeError(c *gin.Context, err error) {
	outcome := settlement.OutcomeOf(err)
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		outcome = settlement.OutcomeNotFound
	case errors.Is(err, settlement.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(StatusFor(outcome), gin.H{"error": err.Error(), "outcome": outcome})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "outcome": settlement.OutcomeInvalidRequest})
}
