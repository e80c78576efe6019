package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentdesk/control-plane/pkg/database"
	"github.com/google/uuid"
)

// EventRecord is the durable dedup + audit row for one provider event.
type EventRecord struct {
	EventID       string     `json:"event_id"`
	EventType     string     `json:"event_type"`
	ProcessedAt   time.Time  `json:"processed_at"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
}

// EventStore persists processed webhook events. A recorded event id is
// never applied again, regardless of how many times the provider
// redelivers it.
type EventStore interface {
	Processed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, record EventRecord) error
}

// PostgresEventStore implements EventStore on PostgreSQL.
type PostgresEventStore struct {
	db *database.Database
}

// NewPostgresEventStore creates an event store backed by PostgreSQL.
func NewPostgresEventStore(db *database.Database) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Processed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

func (s *PostgresEventStore) MarkProcessed(ctx context.Context, record EventRecord) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, processed_at, transaction_id)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (event_id) DO NOTHING
	`, record.EventID, record.EventType, record.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to persist webhook event: %w", err)
	}
	return nil
}

// MemoryEventStore is an in-memory EventStore used in tests.
type MemoryEventStore struct {
	mu      sync.Mutex
	records map[string]EventRecord
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{records: make(map[string]EventRecord)}
}

func (s *MemoryEventStore) Processed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[eventID]
	return ok, nil
}

func (s *MemoryEventStore) MarkProcessed(ctx context.Context, record EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.EventID]; !ok {
		record.ProcessedAt = time.Now()
		s.records[record.EventID] = record
	}
	return nil
}

// Record returns the stored record for an event id (test helper).
func (s *MemoryEventStore) Record(eventID string) (EventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[eventID]
	return record, ok
}
