package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Credit events
	EventCreditsGranted  EventType = "credits.granted"
	EventCreditsDebited  EventType = "credits.debited"
	EventCreditsCredited EventType = "credits.credited"
	EventCreditsRefunded EventType = "credits.refunded"

	// Payment events
	EventPaymentSucceeded    EventType = "payment.succeeded"
	EventPaymentRefunded     EventType = "payment.refunded"
	EventSubscriptionUpdated EventType = "subscription.updated"

	// Operation events
	EventOperationsDispatched EventType = "operations.dispatched"

	// Quota events
	EventQuotaExceeded EventType = "quota.exceeded"

	// Tenant events
	EventTenantCreated         EventType = "tenant.created"
	EventTenantResourceCreated EventType = "tenant.resource_created"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string `json:"id"`

	// Type categorizes the event
	Type EventType `json:"type"`

	// TenantID scopes the event to a tenant
	TenantID string `json:"tenant_id"`

	// Timestamp is when the event was created
	Timestamp time.Time `json:"timestamp"`

	// Data carries event-specific payload
	Data map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a generated ID and current timestamp
func NewEvent(eventType EventType, tenantID string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		Timestamp: time.Now(),
		Data:      data,
	}
}
