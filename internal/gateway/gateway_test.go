package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentdesk/control-plane/internal/ledger"
	"github.com/agentdesk/control-plane/internal/pricing"
	"github.com/agentdesk/control-plane/internal/quota"
	"github.com/agentdesk/control-plane/pkg/cache"
	"github.com/agentdesk/control-plane/pkg/events"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testJWTSecret = "test-session-secret"

type stubCounter struct {
	counts quota.Counts
	tier   quota.Tier
}

func (s *stubCounter) ResourceCounts(ctx context.Context, tenantID uuid.UUID) (quota.Counts, error) {
	return s.counts, nil
}

func (s *stubCounter) TenantTier(ctx context.Context, tenantID uuid.UUID) (quota.Tier, error) {
	return s.tier, nil
}

type gatewayFixture struct {
	gateway  *Gateway
	engine   *ledger.Engine
	cache    *cache.Cache
	eventBus *events.Bus
	tenantID uuid.UUID
	token    string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	redisCache := cache.NewCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	logger := zap.NewNop()
	eventBus := events.NewBus(logger)
	engine := ledger.NewEngine(ledger.NewMemoryStore(), logger, nil, 100)
	estimator := pricing.NewEstimator(pricing.DefaultTable())
	evaluator := quota.NewEvaluator(&stubCounter{tier: quota.TierFree}, quota.DefaultLimits())

	g := NewGateway(nil, redisCache, logger, engine, estimator, evaluator, nil, eventBus, Config{
		SessionJWTSecret: testJWTSecret,
		DashboardURL:     "https://app.example.com",
		BalanceCacheTTL:  time.Minute,
	})

	tenantID := uuid.New()
	return &gatewayFixture{
		gateway:  g,
		engine:   engine,
		cache:    redisCache,
		eventBus: eventBus,
		tenantID: tenantID,
		token:    sessionToken(t, tenantID),
	}
}

func sessionToken(t *testing.T, tenantID uuid.UUID) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   tenantID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func (f *gatewayFixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequiresSessionToken(t *testing.T) {
	f := newGatewayFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil)
	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	f := newGatewayFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetBalanceReadThrough(t *testing.T) {
	f := newGatewayFixture(t)

	_, err := f.engine.Credit(context.Background(), f.tenantID, 100, "seed-1", nil)
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/v1/credits/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(100), body["balance"])
	assert.Equal(t, false, body["cached"])

	rec = f.request(t, http.MethodGet, "/v1/credits/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(100), body["balance"])
	assert.Equal(t, true, body["cached"])
}

func TestBalanceCacheInvalidatedOnLedgerEvent(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	_, err := f.engine.Credit(ctx, f.tenantID, 100, "seed-2", nil)
	require.NoError(t, err)

	// Prime the cache.
	rec := f.request(t, http.MethodGet, "/v1/credits/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = f.cache.Get(ctx, balanceCacheKey(f.tenantID))
	require.NoError(t, err)

	err = f.eventBus.PublishAndWait(ctx, events.NewEvent(events.EventCreditsDebited, f.tenantID.String(), nil))
	require.NoError(t, err)

	_, err = f.cache.Get(ctx, balanceCacheKey(f.tenantID))
	assert.ErrorIs(t, err, redis.Nil)
}

func TestCheckCredits(t *testing.T) {
	f := newGatewayFixture(t)

	_, err := f.engine.Credit(context.Background(), f.tenantID, 50, "seed-3", nil)
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/v1/credits/check?amount=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["sufficient"])
	assert.Equal(t, float64(50), body["balance"])

	rec = f.request(t, http.MethodGet, "/v1/credits/check?amount=60", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["sufficient"])

	rec = f.request(t, http.MethodGet, "/v1/credits/check?amount=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEstimateEndpoint(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/credits/estimate", estimateRequest{
		Operations: []pricing.Operation{
			{Kind: pricing.OpLLMCall, Model: "gpt-4o-mini", InputTokens: 1000, OutputTokens: 1000},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(750), body["credits"])
	assert.Equal(t, "2025-08", body["pricing_version"])
}

func TestEstimateUnknownModelReturnsInternalError(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/credits/estimate", estimateRequest{
		Operations: []pricing.Operation{
			{Kind: pricing.OpLLMCall, Model: "no-such-model", InputTokens: 10},
		},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "internal_error", errObj["code"])
}

func TestInitializeCreditsIdempotent(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/credits/initialize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(100), body["balance"])

	rec = f.request(t, http.MethodPost, "/v1/credits/initialize", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	balance, err := f.engine.GetBalance(context.Background(), f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestRunOperationsDebitsAndReplaysIdempotently(t *testing.T) {
	f := newGatewayFixture(t)

	_, err := f.engine.Credit(context.Background(), f.tenantID, 1000, "seed-4", nil)
	require.NoError(t, err)

	req := runOperationsRequest{
		SourceRef: "op-batch-1",
		Operations: []pricing.Operation{
			{Kind: pricing.OpChatMessages, Quantity: 5},
		},
	}

	rec := f.request(t, http.MethodPost, "/v1/operations", req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(5), body["credits_charged"])
	assert.Equal(t, float64(995), body["balance"])

	// Client retry with the same source_ref must not charge again.
	rec = f.request(t, http.MethodPost, "/v1/operations", req)
	require.Equal(t, http.StatusOK, rec.Code)

	balance, err := f.engine.GetBalance(context.Background(), f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(995), balance)
}

func TestRunOperationsInsufficientCredits(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/operations", runOperationsRequest{
		SourceRef: "op-broke-1",
		Operations: []pricing.Operation{
			{Kind: pricing.OpCallMinutes, Quantity: 10},
		},
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "insufficient_credits", errObj["code"])
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, tenantID uuid.UUID, operations []pricing.Operation) error {
	return errors.New("runtime unavailable")
}

func TestRunOperationsRefundsOnDispatchFailure(t *testing.T) {
	f := newGatewayFixture(t)
	f.gateway.SetOperationRunner(failingRunner{})

	_, err := f.engine.Credit(context.Background(), f.tenantID, 100, "seed-5", nil)
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/v1/operations", runOperationsRequest{
		SourceRef: "op-fail-1",
		Operations: []pricing.Operation{
			{Kind: pricing.OpCallMinutes, Quantity: 1},
		},
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["refund_transaction_id"])

	balance, err := f.engine.GetBalance(context.Background(), f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

type flakyRunner struct {
	calls int
}

func (r *flakyRunner) Run(ctx context.Context, tenantID uuid.UUID, operations []pricing.Operation) error {
	r.calls++
	if r.calls == 1 {
		return errors.New("runtime unavailable")
	}
	return nil
}

func TestRunOperationsRejectsRetryAfterRefund(t *testing.T) {
	f := newGatewayFixture(t)
	runner := &flakyRunner{}
	f.gateway.SetOperationRunner(runner)

	_, err := f.engine.Credit(context.Background(), f.tenantID, 100, "seed-6", nil)
	require.NoError(t, err)

	req := runOperationsRequest{
		SourceRef: "op-flaky-1",
		Operations: []pricing.Operation{
			{Kind: pricing.OpCallMinutes, Quantity: 1},
		},
	}

	rec := f.request(t, http.MethodPost, "/v1/operations", req)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	// The debit was refunded, so replaying the same source_ref would run
	// the batch without a standing charge. The retry must be rejected.
	rec = f.request(t, http.MethodPost, "/v1/operations", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "operation_refunded", errObj["code"])
	assert.Equal(t, 1, runner.calls, "rejected retry must not dispatch")

	balance, err := f.engine.GetBalance(context.Background(), f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// A fresh source_ref charges and runs normally.
	req.SourceRef = "op-flaky-2"
	rec = f.request(t, http.MethodPost, "/v1/operations", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, runner.calls)

	balance, err = f.engine.GetBalance(context.Background(), f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func TestListTransactionsPagination(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.engine.Credit(ctx, f.tenantID, 10, fmt.Sprintf("seed-page-%d", i), nil)
		require.NoError(t, err)
	}

	rec := f.request(t, http.MethodGet, "/v1/credits/transactions?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(5), body["total"])
	assert.Len(t, body["transactions"], 2)

	rec = f.request(t, http.MethodGet, "/v1/credits/transactions?limit=2&offset=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Len(t, body["transactions"], 1)
}

func TestUsageSummary(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	_, err := f.engine.Credit(ctx, f.tenantID, 200, "seed-usage", nil)
	require.NoError(t, err)
	_, err = f.engine.Debit(ctx, f.tenantID, 30, "op-usage-1", nil)
	require.NoError(t, err)
	_, err = f.engine.Debit(ctx, f.tenantID, 20, "op-usage-2", nil)
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary usageSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(50), summary.CreditsSpent)
	assert.Equal(t, int64(200), summary.CreditsAdded)
	assert.Equal(t, 2, summary.Operations)
	assert.Equal(t, int64(150), summary.ClosingBalance)
}

func TestUsageLimits(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.request(t, http.MethodGet, "/v1/usage/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "free", body["tier"])

	usage := body["usage"].(map[string]interface{})
	agents := usage["agents"].(map[string]interface{})
	assert.Equal(t, float64(1), agents["limit"])
	assert.Equal(t, false, agents["reached"])
}
