package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentdesk/control-plane/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PostgresStore implements Store on PostgreSQL. Mutations lock the tenant's
// account_balances row with SELECT ... FOR UPDATE for the duration of the
// read-modify-write, which serializes concurrent mutations per tenant.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a ledger store backed by PostgreSQL.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, tenant_id, kind, amount, balance_after, source_ref, original_id, metadata, created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var txn Transaction
	var metadata []byte
	err := row.Scan(
		&txn.ID,
		&txn.TenantID,
		&txn.Kind,
		&txn.Amount,
		&txn.BalanceAfter,
		&txn.SourceRef,
		&txn.OriginalID,
		&metadata,
		&txn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
		}
	}
	return &txn, nil
}

func (s *PostgresStore) Balance(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT balance FROM account_balances WHERE tenant_id = $1
	`, tenantID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) TransactionByID(ctx context.Context, tenantID, id uuid.UUID) (*Transaction, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+txnColumns+` FROM transactions WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) TransactionBySourceRef(ctx context.Context, tenantID uuid.UUID, sourceRef string) (*Transaction, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+txnColumns+` FROM transactions WHERE tenant_id = $1 AND source_ref = $2
	`, tenantID, sourceRef)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction by source_ref: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Transaction, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) CountTransactions(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions WHERE tenant_id = $1
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Mutate(ctx context.Context, tenantID uuid.UUID, sourceRef string, fn MutateFunc) (*Transaction, bool, error) {
	var result *Transaction
	applied := false

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Ensure the balance row exists, then lock it. The lock is the
		// serialization point for every mutation of this tenant.
		_, err := tx.Exec(ctx, `
			INSERT INTO account_balances (tenant_id, balance, updated_at)
			VALUES ($1, 0, NOW())
			ON CONFLICT (tenant_id) DO NOTHING
		`, tenantID)
		if err != nil {
			return fmt.Errorf("failed to ensure balance row: %w", err)
		}

		var balance int64
		err = tx.QueryRow(ctx, `
			SELECT balance FROM account_balances WHERE tenant_id = $1 FOR UPDATE
		`, tenantID).Scan(&balance)
		if err != nil {
			return fmt.Errorf("failed to lock balance row: %w", err)
		}

		// Idempotency: a sourceRef that is already recorded short-circuits
		// to the committed transaction.
		row := tx.QueryRow(ctx, `
			SELECT `+txnColumns+` FROM transactions WHERE tenant_id = $1 AND source_ref = $2
		`, tenantID, sourceRef)
		existing, err := scanTransaction(row)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check source_ref: %w", err)
		}
		if existing != nil {
			result = existing
			return nil
		}

		view := &pgMutationView{ctx: ctx, tx: tx, tenantID: tenantID, balance: balance}
		txn, err := fn(view)
		if err != nil {
			return err
		}
		if txn == nil {
			return nil
		}

		txn.BalanceAfter = balance + txn.Amount

		var metadata []byte
		if len(txn.Metadata) > 0 {
			metadata, err = json.Marshal(txn.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode transaction metadata: %w", err)
			}
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO transactions (id, tenant_id, kind, amount, balance_after, source_ref, original_id, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			RETURNING created_at
		`, txn.ID, txn.TenantID, txn.Kind, txn.Amount, txn.BalanceAfter, txn.SourceRef, txn.OriginalID, metadata).Scan(&txn.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE account_balances SET balance = $2, updated_at = NOW() WHERE tenant_id = $1
		`, tenantID, txn.BalanceAfter)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		result = txn
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

type pgMutationView struct {
	ctx      context.Context
	tx       pgx.Tx
	tenantID uuid.UUID
	balance  int64
}

func (v *pgMutationView) Balance() int64 { return v.balance }

func (v *pgMutationView) TransactionByID(id uuid.UUID) (*Transaction, error) {
	row := v.tx.QueryRow(v.ctx, `
		SELECT `+txnColumns+` FROM transactions WHERE id = $1 AND tenant_id = $2
	`, id, v.tenantID)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (v *pgMutationView) RefundedTotal(originalID uuid.UUID) (int64, error) {
	var total int64
	err := v.tx.QueryRow(v.ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE tenant_id = $1 AND original_id = $2 AND kind = 'refund'
	`, v.tenantID, originalID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}
