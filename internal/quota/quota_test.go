package quota

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts Counts
	tier   Tier
}

func (f *fakeCounter) ResourceCounts(ctx context.Context, tenantID uuid.UUID) (Counts, error) {
	return f.counts, nil
}

func (f *fakeCounter) TenantTier(ctx context.Context, tenantID uuid.UUID) (Tier, error) {
	return f.tier, nil
}

func TestFreeTierAgentLimitReached(t *testing.T) {
	counter := &fakeCounter{
		counts: Counts{Agents: 1, Sessions: 0, Conversations: 3},
		tier:   TierFree,
	}
	eval := NewEvaluator(counter, DefaultLimits())

	usage, tier, err := eval.UsageAndLimits(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	assert.Equal(t, Usage{Count: 1, Limit: 1, Reached: true}, usage[ResourceAgents])
	assert.False(t, usage[ResourceSessions].Reached)
	assert.False(t, usage[ResourceConversations].Reached)

	canCreate, err := eval.CanCreate(context.Background(), uuid.New(), ResourceAgents)
	require.NoError(t, err)
	assert.False(t, canCreate)
}

func TestPaidTiersHaveDistinctLimits(t *testing.T) {
	limits := DefaultLimits()

	for _, resource := range Resources {
		assert.Greater(t, limits[TierPro].For(resource), limits[TierFree].For(resource), resource)
		assert.Greater(t, limits[TierMax].For(resource), limits[TierPro].For(resource), resource)
	}
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	counter := &fakeCounter{tier: Tier("legacy-plan")}
	eval := NewEvaluator(counter, DefaultLimits())

	usage, _, err := eval.UsageAndLimits(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, DefaultLimits()[TierFree].Agents, usage[ResourceAgents].Limit)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(ResourceAgents, 0, 1))
	assert.ErrorIs(t, Check(ResourceAgents, 1, 1), ErrQuotaExceeded)
	assert.ErrorIs(t, Check(ResourceSessions, 5, 2), ErrQuotaExceeded)
}

func TestCanCreateUnderLimit(t *testing.T) {
	counter := &fakeCounter{
		counts: Counts{Agents: 4, Sessions: 9, Conversations: 199},
		tier:   TierPro,
	}
	eval := NewEvaluator(counter, DefaultLimits())

	for _, resource := range Resources {
		canCreate, err := eval.CanCreate(context.Background(), uuid.New(), resource)
		require.NoError(t, err)
		assert.True(t, canCreate, resource)
	}
}
