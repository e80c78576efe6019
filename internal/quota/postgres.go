package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentdesk/control-plane/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresCounter reads live resource counts and the subscription tier
// from PostgreSQL.
type PostgresCounter struct {
	db     *database.Database
	logger *zap.Logger
}

// NewPostgresCounter creates a counter backed by PostgreSQL.
func NewPostgresCounter(db *database.Database, logger *zap.Logger) *PostgresCounter {
	return &PostgresCounter{db: db, logger: logger}
}

func (c *PostgresCounter) ResourceCounts(ctx context.Context, tenantID uuid.UUID) (Counts, error) {
	var counts Counts
	err := c.db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM agents WHERE tenant_id = $1 AND deleted_at IS NULL),
			(SELECT COUNT(*) FROM sessions WHERE tenant_id = $1 AND status = 'active'),
			(SELECT COUNT(*) FROM conversations WHERE tenant_id = $1 AND deleted_at IS NULL)
	`, tenantID).Scan(&counts.Agents, &counts.Sessions, &counts.Conversations)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count tenant resources: %w", err)
	}
	return counts, nil
}

func (c *PostgresCounter) TenantTier(ctx context.Context, tenantID uuid.UUID) (Tier, error) {
	var billingPlan string
	err := c.db.Pool.QueryRow(ctx, `
		SELECT billing_plan
		FROM tenants
		WHERE id = $1 AND status = 'active' AND deleted_at IS NULL
	`, tenantID).Scan(&billingPlan)
	if errors.Is(err, pgx.ErrNoRows) {
		// Inactive or unknown tenants get free-tier limits.
		return TierFree, nil
	}
	if err != nil {
		return "", err
	}

	switch billingPlan {
	case "free":
		return TierFree, nil
	case "pro":
		return TierPro, nil
	case "max":
		return TierMax, nil
	default:
		c.logger.Warn("unknown billing plan, defaulting to free",
			zap.String("billing_plan", billingPlan),
			zap.String("tenant_id", tenantID.String()),
		)
		return TierFree, nil
	}
}
