package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentdesk/control-plane/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrUnknownTenant is returned when a webhook references a Stripe customer
// with no matching tenant. The event stays unprocessed so a redelivery can
// retry after reconciliation.
var ErrUnknownTenant = errors.New("no tenant for stripe customer")

// TenantDirectory resolves Stripe customers to tenants and applies
// subscription plan changes.
type TenantDirectory interface {
	TenantByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error)
	SetTenantPlan(ctx context.Context, tenantID uuid.UUID, plan string) error
}

// PostgresTenantDirectory implements TenantDirectory on PostgreSQL.
type PostgresTenantDirectory struct {
	db *database.Database
}

// NewPostgresTenantDirectory creates a directory backed by PostgreSQL.
func NewPostgresTenantDirectory(db *database.Database) *PostgresTenantDirectory {
	return &PostgresTenantDirectory{db: db}
}

func (d *PostgresTenantDirectory) TenantByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	var tenantID uuid.UUID
	err := d.db.Pool.QueryRow(ctx, `
		SELECT id FROM tenants WHERE stripe_customer_id = $1 AND deleted_at IS NULL
	`, customerID).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownTenant, customerID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve tenant: %w", err)
	}
	return tenantID, nil
}

func (d *PostgresTenantDirectory) SetTenantPlan(ctx context.Context, tenantID uuid.UUID, plan string) error {
	tag, err := d.db.Pool.Exec(ctx, `
		UPDATE tenants SET billing_plan = $2, updated_at = NOW() WHERE id = $1
	`, tenantID, plan)
	if err != nil {
		return fmt.Errorf("failed to update tenant plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return nil
}
