package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, signupGrant int64) (*Engine, *MemoryStore) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	store := NewMemoryStore()
	return NewEngine(store, logger, nil, signupGrant), store
}

// assertReplayable checks that the tenant's transactions, replayed from zero,
// reproduce the current balance exactly.
func assertReplayable(t *testing.T, store *MemoryStore, tenantID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	total, err := store.CountTransactions(ctx, tenantID)
	require.NoError(t, err)
	txns, err := store.ListTransactions(ctx, tenantID, int(total), 0)
	require.NoError(t, err)

	var sum int64
	for _, txn := range txns {
		sum += txn.Amount
	}

	balance, err := store.Balance(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, balance, sum, "balance must equal the sum of all transactions")
	assert.GreaterOrEqual(t, balance, int64(0), "balance must never go negative")
}

func TestInitializeFreeCredits(t *testing.T) {
	engine, store := newTestEngine(t, 100)
	ctx := context.Background()
	tenant := uuid.New()

	grant, err := engine.InitializeFreeCredits(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, KindGrant, grant.Kind)
	assert.Equal(t, int64(100), grant.Amount)
	assert.Equal(t, int64(100), grant.BalanceAfter)

	// Calling again must not double-grant.
	again, err := engine.InitializeFreeCredits(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, grant.ID, again.ID)

	balance, err := engine.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	assertReplayable(t, store, tenant)
}

func TestDebit(t *testing.T) {
	engine, store := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := engine.Credit(ctx, tenant, 50, "topup-1", nil)
	require.NoError(t, err)

	txn, err := engine.Debit(ctx, tenant, 30, "op-1", map[string]string{"operation": "llm_call"})
	require.NoError(t, err)
	assert.Equal(t, KindDebit, txn.Kind)
	assert.Equal(t, int64(-30), txn.Amount)
	assert.Equal(t, int64(20), txn.BalanceAfter)

	balance, err := engine.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
	assertReplayable(t, store, tenant)
}

func TestDebitInsufficientCredits(t *testing.T) {
	engine, store := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := engine.Credit(ctx, tenant, 10, "topup-1", nil)
	require.NoError(t, err)

	_, err = engine.Debit(ctx, tenant, 11, "op-1", nil)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// The failed debit must leave no trace.
	balance, err := engine.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	count, err := store.CountTransactions(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDebitIdempotentOnSourceRef(t *testing.T) {
	engine, store := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := engine.Credit(ctx, tenant, 50, "topup-1", nil)
	require.NoError(t, err)

	first, err := engine.Debit(ctx, tenant, 30, "op-1", nil)
	require.NoError(t, err)

	replay, err := engine.Debit(ctx, tenant, 30, "op-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, first.BalanceAfter, replay.BalanceAfter)

	balance, err := engine.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance, "replay must not debit twice")

	count, err := store.CountTransactions(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "exactly one debit transaction")
	assertReplayable(t, store, tenant)
}

func TestSourceRefScopedPerTenant(t *testing.T) {
	engine, store := newTestEngine(t, 0)
	ctx := context.Background()
	tenantA := uuid.New()
	tenantB := uuid.New()

	_, err := engine.Credit(ctx, tenantA, 100, "topup-1", nil)
	require.NoError(t, err)
	_, err = engine.Credit(ctx, tenantB, 100, "topup-1", nil)
	require.NoError(t, err)

	first, err := engine.Debit(ctx, tenantA, 30, "op-1", nil)
	require.NoError(t, err)

	// Another tenant reusing the same ref is a distinct logical operation.
	other, err := engine.Debit(ctx, tenantB, 30, "op-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// Tenant A's replay must still dedup against A's own transaction.
	replay, err := engine.Debit(ctx, tenantA, 30, "op-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	balanceA, err := engine.GetBalance(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balanceA, "replay must not debit twice")

	countA, err := store.CountTransactions(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), countA)

	assertReplayable(t, store, tenantA)
	assertReplayable(t, store, tenantB)
}

func TestDebitUpToClampsAtBalance(t *testing.T) {
	engine, store := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := engine.Credit(ctx, tenant, 30, "topup-1", nil)
	require.NoError(t, err)

	txn, err := engine.DebitUpTo(ctx, tenant, 50, "clawback-1", nil)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, int64(-30), txn.Amount)
	assert.Equal(t, int64(0), txn.BalanceAfter)

	// Nothing left to collect: no transaction is recorded.
	none, err := engine.DebitUpTo(ctx, tenant, 50, "clawback-2", nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Replaying the applied clawback returns the original.
	replay, err := engine.DebitUpTo(ctx, tenant, 50, "clawback-1", nil)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, txn.ID, replay.ID)

	balance, err := engine.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assertReplayable(t, store, tenant)
}

func TestCreditIdempotentOnSourceRef(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	first, err := engine.Credit(ctx, tenant, 500, "stripe:evt-1", nil)
	require.NoError(t, err)

	replay, err := engine.Credit(ctx, tenant, 500, "stripe:evt-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	balance, err := engine.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestConcurrentDebitsSerialize(t *testing.T) {
	engine, store := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	const n = 8
	const amount = int64(10)

	// Balance covers exactly n-1 debits.
	_, err := engine.Credit(ctx, tenant, (n-1)*amount, "topup-1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Debit(ctx, tenant, amount, uuid.NewString(), nil)
		}(i)
	}
	wg.Wait()

	var insufficient, succeeded int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, ErrInsufficientCredits):
			insufficient++
		}
	}
	assert.Equal(t, n-1, succeeded)
	assert.Equal(t, 1, insufficient)

	balance, err := engine.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assertReplayable(t, store, tenant)
}

func TestRefund(t *testing.T) {
	engine, store := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := engine.Credit(ctx, tenant, 100, "topup-1", nil)
	require.NoError(t, err)
	debit, err := engine.Debit(ctx, tenant, 60, "op-1", nil)
	require.NoError(t, err)

	refund, err := engine.Refund(ctx, tenant, 40, debit.ID, "refund-1")
	require.NoError(t, err)
	assert.Equal(t, KindRefund, refund.Kind)
	assert.Equal(t, int64(40), refund.Amount)
	assert.Equal(t, int64(80), refund.BalanceAfter)
	require.NotNil(t, refund.OriginalID)
	assert.Equal(t, debit.ID, *refund.OriginalID)
	assertReplayable(t, store, tenant)
}

func TestRefundExceedsOriginal(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := engine.Credit(ctx, tenant, 100, "topup-1", nil)
	require.NoError(t, err)
	debit, err := engine.Debit(ctx, tenant, 60, "op-1", nil)
	require.NoError(t, err)

	_, err = engine.Refund(ctx, tenant, 40, debit.ID, "refund-1")
	require.NoError(t, err)

	// A second 40 would exceed the original 60.
	_, err = engine.Refund(ctx, tenant, 40, debit.ID, "refund-2")
	assert.ErrorIs(t, err, ErrRefundExceedsOriginal)

	// A 20 tops it out exactly.
	_, err = engine.Refund(ctx, tenant, 20, debit.ID, "refund-3")
	require.NoError(t, err)

	balance, err := engine.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestRefundRequiresDebitTarget(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	credit, err := engine.Credit(ctx, tenant, 100, "topup-1", nil)
	require.NoError(t, err)

	_, err = engine.Refund(ctx, tenant, 10, credit.ID, "refund-1")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = engine.Refund(ctx, tenant, 10, uuid.New(), "refund-2")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestMutationValidation(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := engine.Debit(ctx, tenant, 0, "op-1", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = engine.Credit(ctx, tenant, -5, "op-2", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = engine.Debit(ctx, tenant, 10, "", nil)
	assert.ErrorIs(t, err, ErrMissingSourceRef)
}

func TestListTransactionsPagination(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	_, err := engine.Credit(ctx, tenant, 100, "topup-1", nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := engine.Debit(ctx, tenant, 10, uuid.NewString(), nil)
		require.NoError(t, err)
	}

	page, total, err := engine.ListTransactions(ctx, tenant, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	// Newest first: both entries on the first page are debits.
	assert.Equal(t, KindDebit, page[0].Kind)
	assert.Equal(t, KindDebit, page[1].Kind)

	last, _, err := engine.ListTransactions(ctx, tenant, 2, 4)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, KindCredit, last[0].Kind)
}
