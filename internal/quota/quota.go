package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrQuotaExceeded is returned when a resource creation would pass the
// tenant's tier limit. User-recoverable: prompt a tier upgrade.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Tier is the tenant subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierMax  Tier = "max"
)

// Resource is a quota-limited resource category.
type Resource string

const (
	ResourceAgents        Resource = "agents"
	ResourceSessions      Resource = "sessions"
	ResourceConversations Resource = "conversations"
)

// Resources lists every quota-limited category.
var Resources = []Resource{ResourceAgents, ResourceSessions, ResourceConversations}

// Limits caps each resource category for one tier.
type Limits struct {
	Agents        int `json:"agents"`
	Sessions      int `json:"sessions"`
	Conversations int `json:"conversations"`
}

// For returns the cap for one resource category.
func (l Limits) For(resource Resource) int {
	switch resource {
	case ResourceAgents:
		return l.Agents
	case ResourceSessions:
		return l.Sessions
	case ResourceConversations:
		return l.Conversations
	default:
		return 0
	}
}

// DefaultLimits is the shipped tier limit table: the free tier plus two
// paid tiers, each with distinct caps per resource category.
func DefaultLimits() map[Tier]Limits {
	return map[Tier]Limits{
		TierFree: {Agents: 1, Sessions: 2, Conversations: 20},
		TierPro:  {Agents: 5, Sessions: 10, Conversations: 200},
		TierMax:  {Agents: 25, Sessions: 50, Conversations: 2000},
	}
}

// Counts holds live per-resource counts for a tenant.
type Counts struct {
	Agents        int
	Sessions      int
	Conversations int
}

// For returns the count for one resource category.
func (c Counts) For(resource Resource) int {
	switch resource {
	case ResourceAgents:
		return c.Agents
	case ResourceSessions:
		return c.Sessions
	case ResourceConversations:
		return c.Conversations
	default:
		return 0
	}
}

// Usage is the per-resource evaluation result.
type Usage struct {
	Count   int  `json:"count"`
	Limit   int  `json:"limit"`
	Reached bool `json:"reached"`
}

// Counter supplies the live inputs for quota evaluation.
type Counter interface {
	// ResourceCounts returns live counts of the tenant's resources.
	ResourceCounts(ctx context.Context, tenantID uuid.UUID) (Counts, error)

	// TenantTier resolves the tenant's current subscription tier.
	TenantTier(ctx context.Context, tenantID uuid.UUID) (Tier, error)
}

// Evaluator derives usage-vs-limit decisions from live counts and the tier
// limit table. Advisory at read time: creation paths must re-check the same
// condition inside their own transaction to close the check-then-act race.
type Evaluator struct {
	counter Counter
	limits  map[Tier]Limits
}

// NewEvaluator creates an evaluator over an injected limit table.
func NewEvaluator(counter Counter, limits map[Tier]Limits) *Evaluator {
	return &Evaluator{counter: counter, limits: limits}
}

// LimitsFor resolves the limit row for a tier, falling back to the free
// tier for unknown plans.
func (e *Evaluator) LimitsFor(tier Tier) Limits {
	if limits, ok := e.limits[tier]; ok {
		return limits
	}
	return e.limits[TierFree]
}

// UsageAndLimits returns count, limit and reached per resource category.
func (e *Evaluator) UsageAndLimits(ctx context.Context, tenantID uuid.UUID) (map[Resource]Usage, Tier, error) {
	tier, err := e.counter.TenantTier(ctx, tenantID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve tenant tier: %w", err)
	}
	counts, err := e.counter.ResourceCounts(ctx, tenantID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to count resources: %w", err)
	}

	limits := e.LimitsFor(tier)
	usage := make(map[Resource]Usage, len(Resources))
	for _, resource := range Resources {
		count := counts.For(resource)
		limit := limits.For(resource)
		usage[resource] = Usage{
			Count:   count,
			Limit:   limit,
			Reached: count >= limit,
		}
	}
	return usage, tier, nil
}

// CanCreate reports whether one more resource of the category fits the
// tenant's tier limit.
func (e *Evaluator) CanCreate(ctx context.Context, tenantID uuid.UUID, resource Resource) (bool, error) {
	usage, _, err := e.UsageAndLimits(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return !usage[resource].Reached, nil
}

// Check returns ErrQuotaExceeded when count has reached limit. Creation
// paths call this both before and inside their insert transaction.
func Check(resource Resource, count, limit int) error {
	if count >= limit {
		return fmt.Errorf("%w: %s limit of %d reached", ErrQuotaExceeded, resource, limit)
	}
	return nil
}
