package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentdesk/control-plane/internal/ledger"
	"github.com/agentdesk/control-plane/pkg/cache"
	"github.com/agentdesk/control-plane/pkg/events"
	"github.com/agentdesk/control-plane/pkg/metrics"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
)

// defaultTierGrants sizes the credit grant applied when a subscription
// tier activates. Events carry the absolute tier, never a delta, so
// replays and out-of-order delivery stay safe.
var defaultTierGrants = map[string]int64{
	"pro": 500,
	"max": 2000,
}

// WebhookHandler reconciles Stripe webhook events into ledger mutations.
//
// Every incoming event passes Stripe signature verification, then moves
// through received -> (duplicate | applying | applied | failed):
//   - duplicate: the event id is already reserved or recorded; acknowledged
//     with 200 and no ledger effect.
//   - applying: the event type is mapped to a ledger operation (purchase ->
//     credit, subscription activation -> tier grant, refund -> clawback).
//   - applied: the ledger mutation committed and the event record persisted
//     with the resulting transaction id.
//   - failed: the reservation is released and no event record is written,
//     so a provider redelivery retries safely.
//
// The handler runs without a user session: it holds a direct reference to
// the ledger engine and never passes through the session-authenticated
// transport.
type WebhookHandler struct {
	webhookSecret string
	engine        *ledger.Engine
	directory     TenantDirectory
	eventStore    EventStore
	logger        *zap.Logger

	// cache provides distributed idempotency reservation across replicas
	cache *cache.Cache

	// eventBus for publishing payment events
	eventBus *events.Bus

	tierGrants map[string]int64

	// processedEvents is the in-process fallback reservation used when no
	// cache is configured (tests, single-replica deployments).
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler wired to the ledger.
func NewWebhookHandler(webhookSecret string, engine *ledger.Engine, directory TenantDirectory, eventStore EventStore, cacheClient *cache.Cache, logger *zap.Logger, eventBus *events.Bus) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		engine:          engine,
		directory:       directory,
		eventStore:      eventStore,
		cache:           cacheClient,
		logger:          logger,
		eventBus:        eventBus,
		tierGrants:      defaultTierGrants,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook processes incoming Stripe webhook events.
//
// HTTP response codes:
//   - 200 OK: event applied, duplicate, or safely ignored
//   - 400 Bad Request: invalid body or signature
//   - 500 Internal Server Error: processing failed; Stripe will redeliver
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	// Signature verification: only the payment processor may drive this
	// endpoint, never an end-user session.
	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed",
			zap.Error(err),
			zap.String("signature", signature),
		)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	// Reserve the event id so concurrent deliveries of the same event
	// cannot race each other into the ledger.
	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.RecordWebhookEvent(string(event.Type), "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	defer func() {
		h.finalizeEvent(ctx, event.ID, handlerErr == nil)
	}()

	// Durable dedup: the reservation only covers the cache TTL, the event
	// store is the permanent idempotency guard.
	processed, err := h.eventStore.Processed(ctx, event.ID)
	if err != nil {
		handlerErr = err
		h.logger.Error("failed to check webhook event record",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to check event", http.StatusInternalServerError)
		return
	}
	if processed {
		metrics.RecordWebhookEvent(string(event.Type), "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	var transactionID *uuid.UUID
	applied := true

	switch event.Type {
	case "checkout.session.completed":
		transactionID, handlerErr = h.handleCheckoutCompleted(ctx, event)
	case "payment_intent.succeeded":
		transactionID, handlerErr = h.handlePaymentSucceeded(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		transactionID, handlerErr = h.handleSubscriptionChanged(ctx, event)
	case "charge.refunded":
		transactionID, handlerErr = h.handleChargeRefunded(ctx, event)
	default:
		// Unknown event type - acknowledge without effect so Stripe can
		// add event types without breaking us.
		applied = false
		h.logger.Info("received unknown webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	if handlerErr != nil {
		metrics.RecordWebhookEvent(string(event.Type), "failed")
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	if applied {
		if err := h.eventStore.MarkProcessed(ctx, EventRecord{
			EventID:       event.ID,
			EventType:     string(event.Type),
			TransactionID: transactionID,
		}); err != nil {
			// The ledger mutation committed; its sourceRef uniqueness
			// still blocks a double-apply on redelivery.
			h.logger.Error("failed to mark event as processed",
				zap.Error(err),
				zap.String("event_id", event.ID),
			)
		}
		metrics.RecordWebhookEvent(string(event.Type), "applied")
	} else {
		metrics.RecordWebhookEvent(string(event.Type), "ignored")
	}

	w.WriteHeader(http.StatusOK)
}

// handleCheckoutCompleted credits a one-time credit purchase. The purchased
// credit amount travels in the checkout session metadata, so the event is
// self-describing and order-independent.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (*uuid.UUID, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	if session.Customer == nil || session.Customer.ID == "" {
		return nil, fmt.Errorf("checkout session missing customer ID")
	}

	credits, err := creditsFromMetadata(session.Metadata)
	if err != nil {
		return nil, fmt.Errorf("checkout session %s: %w", session.ID, err)
	}

	tenantID, err := h.directory.TenantByCustomerID(ctx, session.Customer.ID)
	if err != nil {
		return nil, err
	}

	txn, err := h.engine.Credit(ctx, tenantID, credits, "stripe:"+session.ID, map[string]string{
		"provider":   "stripe",
		"operation":  "credit_purchase",
		"session_id": session.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to credit purchase: %w", err)
	}

	h.logger.Info("checkout completed - credits applied",
		zap.String("tenant_id", tenantID.String()),
		zap.String("session_id", session.ID),
		zap.Int64("credits", credits),
		zap.Int64("balance_after", txn.BalanceAfter),
	)
	h.publishPayment(ctx, events.EventPaymentSucceeded, tenantID, txn, credits)
	return &txn.ID, nil
}

// handlePaymentSucceeded credits a purchase confirmed via payment intent.
// The sourceRef is keyed on the payment intent so a later refund can find
// the credit it claws back.
func (h *WebhookHandler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) (*uuid.UUID, error) {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	if paymentIntent.Customer == nil || paymentIntent.Customer.ID == "" {
		return nil, fmt.Errorf("payment intent missing customer ID")
	}

	credits, err := creditsFromMetadata(paymentIntent.Metadata)
	if err != nil {
		return nil, fmt.Errorf("payment intent %s: %w", paymentIntent.ID, err)
	}

	tenantID, err := h.directory.TenantByCustomerID(ctx, paymentIntent.Customer.ID)
	if err != nil {
		return nil, err
	}

	txn, err := h.engine.Credit(ctx, tenantID, credits, "stripe:"+paymentIntent.ID, map[string]string{
		"provider":          "stripe",
		"operation":         "credit_purchase",
		"payment_intent_id": paymentIntent.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to credit payment: %w", err)
	}

	h.logger.Info("payment succeeded - credits applied",
		zap.String("tenant_id", tenantID.String()),
		zap.String("payment_intent_id", paymentIntent.ID),
		zap.Int64("credits", credits),
		zap.Int64("balance_after", txn.BalanceAfter),
	)
	h.publishPayment(ctx, events.EventPaymentSucceeded, tenantID, txn, credits)
	return &txn.ID, nil
}

// handleSubscriptionChanged updates the tenant's plan and grants the tier's
// credit allotment when a subscription activates. The grant sourceRef is
// keyed on subscription id and plan, so each activation grants once no
// matter how events interleave.
func (h *WebhookHandler) handleSubscriptionChanged(ctx context.Context, event stripe.Event) (*uuid.UUID, error) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if subscription.Customer == nil || subscription.Customer.ID == "" {
		return nil, fmt.Errorf("subscription missing customer ID")
	}

	tenantID, err := h.directory.TenantByCustomerID(ctx, subscription.Customer.ID)
	if err != nil {
		return nil, err
	}

	plan := subscription.Metadata["plan"]
	active := subscription.Status == stripe.SubscriptionStatusActive ||
		subscription.Status == stripe.SubscriptionStatusTrialing

	if !active || plan == "" {
		// Cancellations and payment lapses drop the tenant to free; no
		// credits are removed, they were already granted.
		if err := h.directory.SetTenantPlan(ctx, tenantID, "free"); err != nil {
			return nil, err
		}
		h.logger.Info("subscription inactive - tenant moved to free plan",
			zap.String("tenant_id", tenantID.String()),
			zap.String("subscription_status", string(subscription.Status)),
		)
		return nil, nil
	}

	if err := h.directory.SetTenantPlan(ctx, tenantID, plan); err != nil {
		return nil, err
	}

	grant, ok := h.tierGrants[plan]
	if !ok {
		h.logger.Warn("no credit grant configured for plan",
			zap.String("tenant_id", tenantID.String()),
			zap.String("plan", plan),
		)
		return nil, nil
	}

	sourceRef := fmt.Sprintf("stripe-sub:%s:%s", subscription.ID, plan)
	txn, err := h.engine.Credit(ctx, tenantID, grant, sourceRef, map[string]string{
		"provider":        "stripe",
		"operation":       "tier_grant",
		"subscription_id": subscription.ID,
		"plan":            plan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to grant tier credits: %w", err)
	}

	h.logger.Info("subscription activated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("plan", plan),
		zap.Int64("granted", grant),
		zap.Int64("balance_after", txn.BalanceAfter),
	)
	h.publishPayment(ctx, events.EventSubscriptionUpdated, tenantID, txn, grant)
	return &txn.ID, nil
}

// handleChargeRefunded claws back credits for a refunded purchase. Partial
// refunds claw back proportionally; the clawback floors at the current
// balance because already-spent credits cannot be recovered here.
func (h *WebhookHandler) handleChargeRefunded(ctx context.Context, event stripe.Event) (*uuid.UUID, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	if charge.Customer == nil || charge.Customer.ID == "" {
		return nil, fmt.Errorf("charge missing customer ID")
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return nil, fmt.Errorf("charge missing payment intent")
	}

	tenantID, err := h.directory.TenantByCustomerID(ctx, charge.Customer.ID)
	if err != nil {
		return nil, err
	}

	original, err := h.engine.TransactionBySourceRef(ctx, tenantID, "stripe:"+charge.PaymentIntent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up original credit: %w", err)
	}
	if original == nil {
		return nil, fmt.Errorf("no ledger credit for payment intent %s", charge.PaymentIntent.ID)
	}

	clawback := original.Amount
	if charge.AmountCaptured > 0 && charge.AmountRefunded < charge.AmountCaptured {
		clawback = original.Amount * charge.AmountRefunded / charge.AmountCaptured
	}
	if clawback <= 0 {
		return nil, nil
	}

	// The floor against the live balance is decided inside the mutation
	// lock: credits already spent cannot be recovered here, and a debit
	// racing this delivery must not turn the clawback into a failure.
	txn, err := h.engine.DebitUpTo(ctx, tenantID, clawback, "stripe-refund:"+event.ID, map[string]string{
		"provider":          "stripe",
		"operation":         "refund_clawback",
		"payment_intent_id": charge.PaymentIntent.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claw back refunded credits: %w", err)
	}
	if txn == nil {
		h.logger.Warn("refund clawback found no collectable balance",
			zap.String("tenant_id", tenantID.String()),
			zap.String("payment_intent_id", charge.PaymentIntent.ID),
			zap.Int64("clawback", clawback),
		)
		return nil, nil
	}

	h.logger.Info("charge refunded - credits clawed back",
		zap.String("tenant_id", tenantID.String()),
		zap.String("payment_intent_id", charge.PaymentIntent.ID),
		zap.Int64("requested", clawback),
		zap.Int64("clawed_back", -txn.Amount),
		zap.Int64("balance_after", txn.BalanceAfter),
	)
	h.publishPayment(ctx, events.EventPaymentRefunded, tenantID, txn, -txn.Amount)
	return &txn.ID, nil
}

func (h *WebhookHandler) publishPayment(ctx context.Context, eventType events.EventType, tenantID uuid.UUID, txn *ledger.Transaction, amount int64) {
	if h.eventBus == nil {
		return
	}
	evt := events.NewEvent(eventType, tenantID.String(), map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"credits":        amount,
		"balance_after":  txn.BalanceAfter,
	})
	if err := h.eventBus.Publish(ctx, evt); err != nil {
		h.logger.Error("failed to publish payment event",
			zap.Error(err),
			zap.String("transaction_id", txn.ID.String()),
		)
	}
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		acquired, err := h.cache.SetNX(ctx, key, "processing", webhookProcessingTTL)
		return acquired, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else {
			if err := h.cache.Delete(ctx, key); err != nil {
				h.logger.Warn("failed to release webhook lock",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}

// creditsFromMetadata extracts the purchased credit amount from provider
// metadata. Missing or malformed amounts are configuration errors on the
// Stripe product, not retriable conditions, but failing the event keeps it
// visible for manual reconciliation.
func creditsFromMetadata(metadata map[string]string) (int64, error) {
	raw, ok := metadata["credits"]
	if !ok {
		return 0, fmt.Errorf("metadata missing credits amount")
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 {
		return 0, fmt.Errorf("invalid credits amount %q", raw)
	}
	return credits, nil
}
