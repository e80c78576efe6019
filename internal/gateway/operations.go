package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/agentdesk/control-plane/internal/pricing"
	"github.com/agentdesk/control-plane/pkg/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OperationRunner executes a debited batch of operations against the agent
// runtime. A returned error triggers a full refund of the debit.
type OperationRunner interface {
	Run(ctx context.Context, tenantID uuid.UUID, operations []pricing.Operation) error
}

// eventRunner is the default runner: it hands the batch to the runtime via
// the event bus and reports success once dispatched.
type eventRunner struct {
	eventBus *events.Bus
}

func (r *eventRunner) Run(ctx context.Context, tenantID uuid.UUID, operations []pricing.Operation) error {
	if r.eventBus == nil {
		return nil
	}
	return r.eventBus.Publish(ctx, events.NewEvent(events.EventOperationsDispatched, tenantID.String(), map[string]interface{}{
		"operations": operations,
	}))
}

// SetOperationRunner replaces the runtime dispatcher. Must be called before
// the gateway starts serving.
func (g *Gateway) SetOperationRunner(runner OperationRunner) {
	g.runner = runner
}

// refundRef derives the compensation idempotency key for a debit's
// source_ref.
func refundRef(sourceRef string) string {
	return sourceRef + ":refund"
}

type runOperationsRequest struct {
	SourceRef  string              `json:"source_ref"`
	Operations []pricing.Operation `json:"operations"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
}

// handleRunOperations is the paid execution path: price the batch, debit
// atomically, then dispatch. A dispatch failure refunds the full debit so
// the tenant never pays for work that did not run.
//
// source_ref is the client's idempotency key. A retried request with the
// same key returns the original transaction without debiting again.
func (g *Gateway) handleRunOperations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	var req runOperationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceRef == "" {
		g.writeError(w, http.StatusBadRequest, "source_ref is required")
		return
	}
	if len(req.Operations) == 0 {
		g.writeError(w, http.StatusBadRequest, "operations are required")
		return
	}

	cost, err := g.estimator.Estimate(req.Operations)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	metadata := map[string]string{
		"pricing_version": g.estimator.Version(),
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	txn, err := g.engine.Debit(ctx, tenantID, cost, req.SourceRef, metadata)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	// A replayed source_ref whose debit was already refunded means the
	// previous attempt failed after compensation. Running the batch now
	// would execute it for free, so the retry must come under a fresh key.
	refund, err := g.engine.TransactionBySourceRef(ctx, tenantID, refundRef(req.SourceRef))
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	if refund != nil {
		g.writeErrorCode(w, http.StatusConflict,
			"previous attempt with this source_ref was refunded, retry with a new source_ref", "operation_refunded")
		return
	}

	if err := g.runner.Run(ctx, tenantID, req.Operations); err != nil {
		g.logger.Error("operation dispatch failed, refunding debit",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
			zap.String("source_ref", req.SourceRef),
		)

		refund, refundErr := g.engine.Refund(ctx, tenantID, cost, txn.ID, refundRef(req.SourceRef))
		if refundErr != nil {
			// The debit stands but the work did not run; this needs manual
			// reconciliation, so surface loudly.
			g.logger.Error("refund after failed dispatch also failed",
				zap.Error(refundErr),
				zap.String("tenant_id", tenantID.String()),
				zap.String("transaction_id", txn.ID.String()),
			)
			g.writeErrorCode(w, http.StatusBadGateway,
				"operation failed and refund is pending", "operation_failed")
			return
		}

		g.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": map[string]string{
				"message": "operation failed, credits refunded",
				"code":    "operation_failed",
			},
			"refund_transaction_id": refund.ID,
			"balance":               refund.BalanceAfter,
		})
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id":  txn.ID,
		"credits_charged": cost,
		"balance":         txn.BalanceAfter,
		"pricing_version": g.estimator.Version(),
	})
}
