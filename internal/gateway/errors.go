package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentdesk/control-plane/internal/ledger"
	"github.com/agentdesk/control-plane/internal/pricing"
	"github.com/agentdesk/control-plane/internal/quota"
	"go.uber.org/zap"
)

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeErrorCode(w, statusCode, message, "invalid_request_error")
}

func (g *Gateway) writeErrorCode(w http.ResponseWriter, statusCode int, message, code string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"code":    code,
		},
	})
}

// writeDomainError maps domain errors onto the API error surface. The
// distinction that matters to the dashboard: 402 means buy credits, 403
// means upgrade the tier, anything else is not the user's fault.
func (g *Gateway) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		g.writeErrorCode(w, http.StatusPaymentRequired,
			"insufficient credits, add credits to continue", "insufficient_credits")

	case errors.Is(err, quota.ErrQuotaExceeded):
		g.writeErrorCode(w, http.StatusForbidden,
			"plan limit reached, upgrade to create more", "quota_exceeded")

	case errors.Is(err, pricing.ErrUnknownPricingKey):
		// Configuration defect on our side; never blame the caller.
		g.logger.Error("pricing table missing key", zap.Error(err))
		g.writeErrorCode(w, http.StatusInternalServerError,
			"internal error", "internal_error")

	case errors.Is(err, ledger.ErrRefundExceedsOriginal):
		g.writeErrorCode(w, http.StatusConflict,
			"refund exceeds the originally debited amount", "refund_exceeds_original")

	case errors.Is(err, ledger.ErrTransactionNotFound):
		g.writeErrorCode(w, http.StatusNotFound,
			"transaction not found", "not_found")

	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrMissingSourceRef):
		g.writeErrorCode(w, http.StatusBadRequest, err.Error(), "invalid_request_error")

	default:
		g.logger.Error("request failed", zap.Error(err))
		g.writeErrorCode(w, http.StatusInternalServerError,
			"internal error", "internal_error")
	}
}
