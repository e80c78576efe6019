package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store persists balances and transactions. Mutate is the only write path:
// implementations must run fn with the tenant's balance serialized against
// every other mutation for that tenant (row lock or equivalent), so the
// read-modify-write in fn is atomic.
type Store interface {
	// Balance returns the current balance for a tenant, zero if the tenant
	// has no ledger activity yet.
	Balance(ctx context.Context, tenantID uuid.UUID) (int64, error)

	// TransactionByID fetches a single transaction scoped to the tenant.
	TransactionByID(ctx context.Context, tenantID, id uuid.UUID) (*Transaction, error)

	// TransactionBySourceRef fetches the transaction recorded under an
	// idempotency key, or nil if none exists.
	TransactionBySourceRef(ctx context.Context, tenantID uuid.UUID, sourceRef string) (*Transaction, error)

	// ListTransactions returns the tenant's transactions newest first.
	ListTransactions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Transaction, error)

	// CountTransactions returns the total number of transactions for a tenant.
	CountTransactions(ctx context.Context, tenantID uuid.UUID) (int64, error)

	// Mutate runs fn with the tenant's balance row locked. If sourceRef is
	// already recorded the existing transaction is returned with
	// applied=false and fn is never called. Otherwise the transaction
	// returned by fn is appended and the balance updated by its signed
	// amount, all inside one atomic store transaction.
	Mutate(ctx context.Context, tenantID uuid.UUID, sourceRef string, fn MutateFunc) (txn *Transaction, applied bool, err error)
}

// MutateFunc builds the transaction to append given a locked view of the
// tenant's ledger. Returning an error aborts the mutation with no effect.
type MutateFunc func(view MutationView) (*Transaction, error)

// MutationView exposes reads that are consistent with the held lock.
type MutationView interface {
	// Balance is the tenant's balance at lock time.
	Balance() int64

	// TransactionByID fetches a transaction within the locked store
	// transaction (used to validate refund targets).
	TransactionByID(id uuid.UUID) (*Transaction, error)

	// RefundedTotal sums prior refunds recorded against one original debit.
	RefundedTotal(originalID uuid.UUID) (int64, error)
}
