package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentdesk/control-plane/internal/quota"
	"github.com/agentdesk/control-plane/pkg/events"
	"github.com/agentdesk/control-plane/pkg/metrics"
	"github.com/agentdesk/control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var errAgentNotFound = errors.New("agent not found")

var resourceCountQueries = map[quota.Resource]string{
	quota.ResourceAgents:        `SELECT COUNT(*) FROM agents WHERE tenant_id = $1 AND deleted_at IS NULL`,
	quota.ResourceSessions:      `SELECT COUNT(*) FROM sessions WHERE tenant_id = $1 AND status = 'active'`,
	quota.ResourceConversations: `SELECT COUNT(*) FROM conversations WHERE tenant_id = $1 AND deleted_at IS NULL`,
}

// createWithQuota inserts a resource with the quota re-checked inside the
// same transaction. The tenant row lock serializes concurrent creations for
// one tenant, so two requests racing toward the last slot cannot both pass
// the count check.
func (g *Gateway) createWithQuota(ctx context.Context, tenantID uuid.UUID, resource quota.Resource, insert func(tx pgx.Tx) error) error {
	usage, _, err := g.evaluator.UsageAndLimits(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := quota.Check(resource, usage[resource].Count, usage[resource].Limit); err != nil {
		return err
	}
	limit := usage[resource].Limit

	err = g.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM tenants WHERE id = $1 FOR UPDATE`, tenantID); err != nil {
			return err
		}

		var count int
		if err := tx.QueryRow(ctx, resourceCountQueries[resource], tenantID).Scan(&count); err != nil {
			return err
		}
		if err := quota.Check(resource, count, limit); err != nil {
			return err
		}

		return insert(tx)
	})
	if err != nil {
		return err
	}

	if g.eventBus != nil {
		g.eventBus.Publish(ctx, events.NewEvent(events.EventTenantResourceCreated, tenantID.String(), map[string]interface{}{
			"resource": string(resource),
		}))
	}
	return nil
}

// Agents

type createAgentRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		g.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Model == "" {
		g.writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	agent := models.Agent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      req.Name,
		Model:     req.Model,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}

	err := g.createWithQuota(ctx, tenantID, quota.ResourceAgents, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO agents (id, tenant_id, name, model, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, agent.ID, agent.TenantID, agent.Name, agent.Model, agent.Status, agent.CreatedAt)
		return err
	})
	if err != nil {
		g.recordQuotaDenial(ctx, tenantID, quota.ResourceAgents, err)
		g.writeDomainError(w, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, agent)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	rows, err := g.db.Pool.Query(ctx, `
		SELECT id, tenant_id, name, model, status, created_at
		FROM agents
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	defer rows.Close()

	agents := []models.Agent{}
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Model, &a.Status, &a.CreatedAt); err != nil {
			g.writeDomainError(w, err)
			return
		}
		agents = append(agents, a)
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	agentID, err := uuid.Parse(chi.URLParam(r, "agent_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	tag, err := g.db.Pool.Exec(ctx, `
		UPDATE agents SET status = 'deleted', deleted_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, agentID, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	if tag.RowsAffected() == 0 {
		g.writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Sessions

type createSessionRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
	Kind    string    `json:"kind"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == uuid.Nil {
		g.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.Kind != "chat" && req.Kind != "video" {
		g.writeError(w, http.StatusBadRequest, "kind must be chat or video")
		return
	}

	session := models.Session{
		ID:        uuid.New(),
		TenantID:  tenantID,
		AgentID:   req.AgentID,
		Kind:      req.Kind,
		Status:    "active",
		StartedAt: time.Now().UTC(),
	}

	err := g.createWithQuota(ctx, tenantID, quota.ResourceSessions, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL)
		`, req.AgentID, tenantID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errAgentNotFound
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, tenant_id, agent_id, kind, status, started_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, session.ID, session.TenantID, session.AgentID, session.Kind, session.Status, session.StartedAt)
		return err
	})
	if err != nil {
		if errors.Is(err, errAgentNotFound) {
			g.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.recordQuotaDenial(ctx, tenantID, quota.ResourceSessions, err)
		g.writeDomainError(w, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, session)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	rows, err := g.db.Pool.Query(ctx, `
		SELECT id, tenant_id, agent_id, kind, status, started_at, ended_at
		FROM sessions
		WHERE tenant_id = $1 AND status = 'active'
		ORDER BY started_at DESC
	`, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.TenantID, &s.AgentID, &s.Kind, &s.Status, &s.StartedAt, &s.EndedAt); err != nil {
			g.writeDomainError(w, err)
			return
		}
		sessions = append(sessions, s)
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "session_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	tag, err := g.db.Pool.Exec(ctx, `
		UPDATE sessions SET status = 'ended', ended_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'active'
	`, sessionID, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	if tag.RowsAffected() == 0 {
		g.writeError(w, http.StatusNotFound, "active session not found")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// Conversations

type createConversationRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
	Title   string    `json:"title"`
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == uuid.Nil {
		g.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.Title == "" {
		g.writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	now := time.Now().UTC()
	conversation := models.Conversation{
		ID:        uuid.New(),
		TenantID:  tenantID,
		AgentID:   req.AgentID,
		Title:     req.Title,
		Status:    "open",
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := g.createWithQuota(ctx, tenantID, quota.ResourceConversations, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, tenant_id, agent_id, title, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, conversation.ID, conversation.TenantID, conversation.AgentID,
			conversation.Title, conversation.Status, conversation.CreatedAt, conversation.UpdatedAt)
		return err
	})
	if err != nil {
		g.recordQuotaDenial(ctx, tenantID, quota.ResourceConversations, err)
		g.writeDomainError(w, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, conversation)
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	rows, err := g.db.Pool.Query(ctx, `
		SELECT id, tenant_id, agent_id, title, status, created_at, updated_at
		FROM conversations
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC
	`, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.AgentID, &c.Title, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			g.writeDomainError(w, err)
			return
		}
		conversations = append(conversations, c)
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": conversations})
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := g.tenantID(w, r)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversation_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	tag, err := g.db.Pool.Exec(ctx, `
		UPDATE conversations SET status = 'deleted', deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, conversationID, tenantID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	if tag.RowsAffected() == 0 {
		g.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) recordQuotaDenial(ctx context.Context, tenantID uuid.UUID, resource quota.Resource, err error) {
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		return
	}
	metrics.RecordQuotaDenial(string(resource))
	g.logger.Info("resource creation denied by quota",
		zap.String("tenant_id", tenantID.String()),
		zap.String("resource", string(resource)),
	)
	if g.eventBus != nil {
		g.eventBus.Publish(ctx, events.NewEvent(events.EventQuotaExceeded, tenantID.String(), map[string]interface{}{
			"resource": string(resource),
		}))
	}
}
