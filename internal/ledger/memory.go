package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and local development.
// A single mutex serializes mutations, which satisfies the same per-tenant
// atomicity contract the Postgres row lock provides.
type MemoryStore struct {
	mu          sync.Mutex
	balances    map[uuid.UUID]int64
	txns        map[uuid.UUID][]Transaction
	bySourceRef map[refKey]*Transaction
}

// refKey scopes sourceRef idempotency per tenant: two tenants reusing the
// same ref are distinct logical operations.
type refKey struct {
	tenantID  uuid.UUID
	sourceRef string
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[uuid.UUID]int64),
		txns:        make(map[uuid.UUID][]Transaction),
		bySourceRef: make(map[refKey]*Transaction),
	}
}

func (s *MemoryStore) Balance(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[tenantID], nil
}

func (s *MemoryStore) TransactionByID(ctx context.Context, tenantID, id uuid.UUID) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByID(tenantID, id)
}

func (s *MemoryStore) findByID(tenantID, id uuid.UUID) (*Transaction, error) {
	for i := range s.txns[tenantID] {
		if s.txns[tenantID][i].ID == id {
			txn := s.txns[tenantID][i]
			return &txn, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *MemoryStore) TransactionBySourceRef(ctx context.Context, tenantID uuid.UUID, sourceRef string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bySourceRef[refKey{tenantID, sourceRef}]; ok {
		txn := *existing
		return &txn, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.txns[tenantID]
	// Newest first.
	out := make([]Transaction, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) CountTransactions(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.txns[tenantID])), nil
}

func (s *MemoryStore) Mutate(ctx context.Context, tenantID uuid.UUID, sourceRef string, fn MutateFunc) (*Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bySourceRef[refKey{tenantID, sourceRef}]; ok {
		txn := *existing
		return &txn, false, nil
	}

	balance := s.balances[tenantID]
	view := &memMutationView{store: s, tenantID: tenantID, balance: balance}

	txn, err := fn(view)
	if err != nil {
		return nil, false, err
	}
	if txn == nil {
		return nil, false, nil
	}

	txn.BalanceAfter = balance + txn.Amount
	txn.CreatedAt = time.Now()

	s.txns[tenantID] = append(s.txns[tenantID], *txn)
	stored := &s.txns[tenantID][len(s.txns[tenantID])-1]
	s.bySourceRef[refKey{tenantID, txn.SourceRef}] = stored
	s.balances[tenantID] = txn.BalanceAfter

	out := *txn
	return &out, true, nil
}

type memMutationView struct {
	store    *MemoryStore
	tenantID uuid.UUID
	balance  int64
}

func (v *memMutationView) Balance() int64 { return v.balance }

func (v *memMutationView) TransactionByID(id uuid.UUID) (*Transaction, error) {
	return v.store.findByID(v.tenantID, id)
}

func (v *memMutationView) RefundedTotal(originalID uuid.UUID) (int64, error) {
	var total int64
	for _, txn := range v.store.txns[v.tenantID] {
		if txn.Kind == KindRefund && txn.OriginalID != nil && *txn.OriginalID == originalID {
			total += txn.Amount
		}
	}
	return total, nil
}
