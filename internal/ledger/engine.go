package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentdesk/control-plane/pkg/events"
	"github.com/agentdesk/control-plane/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine owns every balance mutation. All writes go through Store.Mutate so
// the non-negative invariant holds for any interleaving of dashboard debits
// and webhook credits.
type Engine struct {
	store       Store
	logger      *zap.Logger
	eventBus    *events.Bus
	signupGrant int64
}

// NewEngine creates a ledger engine. signupGrant is the one-time free credit
// amount granted to new tenants.
func NewEngine(store Store, logger *zap.Logger, eventBus *events.Bus, signupGrant int64) *Engine {
	return &Engine{
		store:       store,
		logger:      logger,
		eventBus:    eventBus,
		signupGrant: signupGrant,
	}
}

// GetBalance reads the tenant's current balance. No side effects.
func (e *Engine) GetBalance(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	return e.store.Balance(ctx, tenantID)
}

// GetTransaction fetches one transaction scoped to the tenant.
func (e *Engine) GetTransaction(ctx context.Context, tenantID, id uuid.UUID) (*Transaction, error) {
	return e.store.TransactionByID(ctx, tenantID, id)
}

// TransactionBySourceRef looks up the transaction recorded for an
// idempotency key, or nil if no mutation with that key was applied.
func (e *Engine) TransactionBySourceRef(ctx context.Context, tenantID uuid.UUID, sourceRef string) (*Transaction, error) {
	return e.store.TransactionBySourceRef(ctx, tenantID, sourceRef)
}

// ListTransactions returns the tenant's transaction history, newest first.
func (e *Engine) ListTransactions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Transaction, int64, error) {
	txns, err := e.store.ListTransactions(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.store.CountTransactions(ctx, tenantID)
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// Debit atomically charges the tenant. Fails with ErrInsufficientCredits if
// the balance cannot cover the amount; replaying the same sourceRef returns
// the originally committed transaction without debiting again.
func (e *Engine) Debit(ctx context.Context, tenantID uuid.UUID, amount int64, sourceRef string, metadata map[string]string) (*Transaction, error) {
	if err := validateMutation(amount, sourceRef); err != nil {
		return nil, err
	}

	txn, applied, err := e.store.Mutate(ctx, tenantID, sourceRef, func(view MutationView) (*Transaction, error) {
		if view.Balance() < amount {
			return nil, ErrInsufficientCredits
		}
		return &Transaction{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Kind:      KindDebit,
			Amount:    -amount,
			SourceRef: sourceRef,
			Metadata:  metadata,
		}, nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.RecordDebit("insufficient")
		} else {
			metrics.RecordDebit("error")
		}
		return nil, err
	}

	if !applied {
		// Idempotent replay of a client retry.
		if txn.Amount != -amount {
			e.logger.Warn("debit replayed with mismatched amount, returning original",
				zap.String("tenant_id", tenantID.String()),
				zap.String("source_ref", sourceRef),
				zap.Int64("original_amount", txn.Amount),
				zap.Int64("replay_amount", -amount),
			)
		}
		metrics.RecordDebit("replayed")
		return txn, nil
	}

	metrics.RecordDebit("applied")
	metrics.SetTenantBalance(tenantID.String(), txn.BalanceAfter)
	e.logger.Info("debited credits",
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", txn.BalanceAfter),
		zap.String("source_ref", sourceRef),
	)
	e.publish(ctx, events.EventCreditsDebited, txn)
	return txn, nil
}

// DebitUpTo charges as much of amount as the balance covers, clamped against
// the balance read under the mutation lock. Used for clawbacks where the
// credits may already be partly spent: a nil transaction means the balance
// was zero and nothing was collectable. Idempotent on sourceRef.
func (e *Engine) DebitUpTo(ctx context.Context, tenantID uuid.UUID, amount int64, sourceRef string, metadata map[string]string) (*Transaction, error) {
	if err := validateMutation(amount, sourceRef); err != nil {
		return nil, err
	}

	txn, applied, err := e.store.Mutate(ctx, tenantID, sourceRef, func(view MutationView) (*Transaction, error) {
		charge := amount
		if balance := view.Balance(); balance < charge {
			charge = balance
		}
		if charge == 0 {
			return nil, nil
		}
		return &Transaction{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Kind:      KindDebit,
			Amount:    -charge,
			SourceRef: sourceRef,
			Metadata:  metadata,
		}, nil
	})
	if err != nil {
		metrics.RecordDebit("error")
		return nil, err
	}
	if txn == nil {
		return nil, nil
	}

	if !applied {
		metrics.RecordDebit("replayed")
		return txn, nil
	}

	metrics.RecordDebit("applied")
	metrics.SetTenantBalance(tenantID.String(), txn.BalanceAfter)
	if -txn.Amount < amount {
		e.logger.Warn("debit clamped to available balance",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("requested", amount),
			zap.Int64("charged", -txn.Amount),
			zap.String("source_ref", sourceRef),
		)
	} else {
		e.logger.Info("debited credits",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("amount", amount),
			zap.Int64("balance_after", txn.BalanceAfter),
			zap.String("source_ref", sourceRef),
		)
	}
	e.publish(ctx, events.EventCreditsDebited, txn)
	return txn, nil
}

// Credit atomically adds credits to the tenant. A credit always succeeds;
// replaying the same sourceRef returns the original transaction.
func (e *Engine) Credit(ctx context.Context, tenantID uuid.UUID, amount int64, sourceRef string, metadata map[string]string) (*Transaction, error) {
	return e.applyCredit(ctx, tenantID, KindCredit, amount, sourceRef, nil, metadata)
}

// Refund credits back an amount tied to a prior debit. Fails with
// ErrRefundExceedsOriginal if cumulative refunds for the original debit
// would exceed the originally debited amount.
func (e *Engine) Refund(ctx context.Context, tenantID uuid.UUID, amount int64, originalID uuid.UUID, sourceRef string) (*Transaction, error) {
	if err := validateMutation(amount, sourceRef); err != nil {
		return nil, err
	}

	txn, applied, err := e.store.Mutate(ctx, tenantID, sourceRef, func(view MutationView) (*Transaction, error) {
		original, err := view.TransactionByID(originalID)
		if err != nil {
			return nil, err
		}
		if original.Kind != KindDebit {
			return nil, fmt.Errorf("%w: %s is not a debit", ErrTransactionNotFound, originalID)
		}

		refunded, err := view.RefundedTotal(originalID)
		if err != nil {
			return nil, err
		}
		// original.Amount is negative; -original.Amount is the debited total.
		if refunded+amount > -original.Amount {
			return nil, ErrRefundExceedsOriginal
		}

		origID := originalID
		return &Transaction{
			ID:         uuid.New(),
			TenantID:   tenantID,
			Kind:       KindRefund,
			Amount:     amount,
			SourceRef:  sourceRef,
			OriginalID: &origID,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		metrics.RecordCredit(string(KindRefund))
		metrics.SetTenantBalance(tenantID.String(), txn.BalanceAfter)
		e.logger.Info("refunded credits",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("amount", amount),
			zap.String("original_id", originalID.String()),
			zap.Int64("balance_after", txn.BalanceAfter),
		)
		e.publish(ctx, events.EventCreditsRefunded, txn)
	}
	return txn, nil
}

// InitializeFreeCredits grants the one-time signup credit. Idempotent: a
// tenant that already received the grant gets the existing grant back.
func (e *Engine) InitializeFreeCredits(ctx context.Context, tenantID uuid.UUID) (*Transaction, error) {
	if e.signupGrant == 0 {
		return nil, nil
	}
	sourceRef := SignupGrantRef(tenantID)
	return e.applyCredit(ctx, tenantID, KindGrant, e.signupGrant, sourceRef, nil, map[string]string{
		"reason": "signup_grant",
	})
}

// SignupGrantRef is the fixed idempotency key for a tenant's signup grant.
func SignupGrantRef(tenantID uuid.UUID) string {
	return "signup:" + tenantID.String()
}

func (e *Engine) applyCredit(ctx context.Context, tenantID uuid.UUID, kind Kind, amount int64, sourceRef string, originalID *uuid.UUID, metadata map[string]string) (*Transaction, error) {
	if err := validateMutation(amount, sourceRef); err != nil {
		return nil, err
	}

	txn, applied, err := e.store.Mutate(ctx, tenantID, sourceRef, func(view MutationView) (*Transaction, error) {
		return &Transaction{
			ID:         uuid.New(),
			TenantID:   tenantID,
			Kind:       kind,
			Amount:     amount,
			SourceRef:  sourceRef,
			OriginalID: originalID,
			Metadata:   metadata,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		metrics.RecordCredit(string(kind))
		metrics.SetTenantBalance(tenantID.String(), txn.BalanceAfter)
		e.logger.Info("credited tenant",
			zap.String("tenant_id", tenantID.String()),
			zap.String("kind", string(kind)),
			zap.Int64("amount", amount),
			zap.Int64("balance_after", txn.BalanceAfter),
			zap.String("source_ref", sourceRef),
		)
		eventType := events.EventCreditsCredited
		if kind == KindGrant {
			eventType = events.EventCreditsGranted
		}
		e.publish(ctx, eventType, txn)
	}
	return txn, nil
}

func (e *Engine) publish(ctx context.Context, eventType events.EventType, txn *Transaction) {
	if e.eventBus == nil {
		return
	}
	evt := events.NewEvent(eventType, txn.TenantID.String(), map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"kind":           string(txn.Kind),
		"amount":         txn.Amount,
		"balance_after":  txn.BalanceAfter,
		"source_ref":     txn.SourceRef,
	})
	if err := e.eventBus.Publish(ctx, evt); err != nil {
		e.logger.Warn("failed to publish ledger event",
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
	}
}

func validateMutation(amount int64, sourceRef string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if sourceRef == "" {
		return ErrMissingSourceRef
	}
	return nil
}
