package gateway

import (
	"net/http"
	"time"

	"github.com/agentdesk/control-plane/internal/ledger"
	"github.com/agentdesk/control-plane/internal/quota"
)

const usagePageSize = 200

type usageSummary struct {
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	CreditsSpent   int64     `json:"credits_spent"`
	CreditsAdded   int64     `json:"credits_added"`
	Operations     int       `json:"operations"`
	Refunds        int       `json:"refunds"`
	ClosingBalance int64     `json:"closing_balance"`
}

// handleGetUsage summarizes ledger activity over a period. Defaults to the
// current calendar month.
func (g *Gateway) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = parsed
	}
	if to.Before(from) {
		g.writeError(w, http.StatusBadRequest, "to must not precede from")
		return
	}

	summary := usageSummary{PeriodStart: from, PeriodEnd: to}

	balance, err := g.engine.GetBalance(ctx, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	summary.ClosingBalance = balance

	// Transactions come back newest first, so paging stops at the first
	// entry older than the window.
	offset := 0
pages:
	for {
		txns, _, err := g.engine.ListTransactions(ctx, tenantID, usagePageSize, offset)
		if err != nil {
			g.writeDomainError(w, err)
			return
		}
		if len(txns) == 0 {
			break
		}

		for _, txn := range txns {
			if txn.CreatedAt.Before(from) {
				break pages
			}
			if txn.CreatedAt.After(to) {
				continue
			}
			switch txn.Kind {
			case ledger.KindDebit:
				summary.CreditsSpent += -txn.Amount
				summary.Operations++
			case ledger.KindRefund:
				summary.CreditsSpent -= txn.Amount
				summary.Refunds++
			default:
				summary.CreditsAdded += txn.Amount
			}
		}
		offset += len(txns)
	}

	g.writeJSON(w, http.StatusOK, summary)
}

// handleGetUsageLimits reports live resource usage against the tenant's
// tier limits.
func (g *Gateway) handleGetUsageLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	var (
		usage map[quota.Resource]quota.Usage
		tier  quota.Tier
	)
	err := withRetry(ctx, readRetryAttempts, readRetryDelay, func() error {
		var readErr error
		usage, tier, readErr = g.evaluator.UsageAndLimits(ctx, tenantID)
		return readErr
	})
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tier":  tier,
		"usage": usage,
	})
}
