package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentdesk/control-plane/internal/pricing"
	"github.com/agentdesk/control-plane/pkg/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
)

func balanceCacheKey(tenantID uuid.UUID) string {
	return "balance:" + tenantID.String()
}

// handleGetBalance reads the tenant's credit balance, read-through cached.
// The ledger is the source of truth; the cache only absorbs dashboard
// polling and is invalidated on every balance mutation.
func (g *Gateway) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	if g.cache != nil {
		if cached, err := g.cache.Get(ctx, balanceCacheKey(tenantID)); err == nil {
			if balance, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil {
				g.writeJSON(w, http.StatusOK, map[string]interface{}{
					"balance": balance,
					"cached":  true,
				})
				return
			}
		}
	}

	var balance int64
	err := withRetry(ctx, readRetryAttempts, readRetryDelay, func() error {
		var readErr error
		balance, readErr = g.engine.GetBalance(ctx, tenantID)
		return readErr
	})
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, balanceCacheKey(tenantID), strconv.FormatInt(balance, 10), g.balanceTTL); err != nil {
			g.logger.Debug("failed to cache balance", zap.Error(err))
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance": balance,
		"cached":  false,
	})
}

// subscribeBalanceInvalidation drops the cached balance whenever the ledger
// publishes a mutation for the tenant.
func (g *Gateway) subscribeBalanceInvalidation() {
	if g.eventBus == nil || g.cache == nil {
		return
	}

	invalidate := func(ctx context.Context, event events.Event) error {
		tenantID, err := uuid.Parse(event.TenantID)
		if err != nil {
			return nil
		}
		return g.cache.Delete(ctx, balanceCacheKey(tenantID))
	}

	for _, eventType := range []events.EventType{
		events.EventCreditsGranted,
		events.EventCreditsDebited,
		events.EventCreditsCredited,
		events.EventCreditsRefunded,
	} {
		g.eventBus.Subscribe(eventType, invalidate)
	}
}

func (g *Gateway) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			g.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if parsed > maxTransactionLimit {
			parsed = maxTransactionLimit
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			g.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = parsed
	}

	txns, total, err := g.engine.ListTransactions(ctx, tenantID, limit, offset)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

// handleCheckCredits reports whether the balance covers an amount. Purely
// advisory: nothing is reserved, the debit itself re-checks atomically.
func (g *Gateway) handleCheckCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount < 0 {
		g.writeError(w, http.StatusBadRequest, "amount must be a non-negative integer")
		return
	}

	balance, err := g.engine.GetBalance(ctx, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sufficient": balance >= amount,
		"balance":    balance,
		"required":   amount,
	})
}

type estimateRequest struct {
	Operations []pricing.Operation `json:"operations"`
}

// handleEstimate prices a planned batch of operations without touching the
// ledger.
func (g *Gateway) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Operations) == 0 {
		g.writeError(w, http.StatusBadRequest, "operations are required")
		return
	}

	credits, err := g.estimator.Estimate(req.Operations)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"credits":         credits,
		"pricing_version": g.estimator.Version(),
	})
}

// handleInitializeCredits applies the one-time signup grant. Safe for the
// dashboard to call on every first load.
func (g *Gateway) handleInitializeCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	txn, err := g.engine.InitializeFreeCredits(ctx, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	if txn == nil {
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction": txn,
		"balance":     txn.BalanceAfter,
	})
}
