package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// Authenticator validates dashboard session tokens. Sessions are HS256
// JWTs minted by the signup service with the tenant id as subject.
type Authenticator struct {
	secret []byte
	logger *zap.Logger
}

// NewAuthenticator creates a session token authenticator.
func NewAuthenticator(secret []byte, logger *zap.Logger) *Authenticator {
	return &Authenticator{secret: secret, logger: logger}
}

// TenantFromToken verifies the session token and extracts the tenant id.
func (a *Authenticator) TenantFromToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return uuid.Nil, fmt.Errorf("session token missing subject")
	}

	tenantID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session token subject is not a tenant id: %w", err)
	}
	return tenantID, nil
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			g.writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		tenantID, err := g.authenticator.TenantFromToken(tokenString)
		if err != nil {
			g.logger.Warn("authentication failed", zap.Error(err))
			g.writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}

		ctx := context.WithValue(r.Context(), tenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantFromContext extracts the authenticated tenant id set by the auth
// middleware.
func TenantFromContext(ctx context.Context) (uuid.UUID, bool) {
	tenantID, ok := ctx.Value(tenantIDKey).(uuid.UUID)
	return tenantID, ok
}

func (g *Gateway) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, ok := TenantFromContext(r.Context())
	if !ok {
		g.writeError(w, http.StatusInternalServerError, "missing tenant in context")
		return uuid.Nil, false
	}
	return tenantID, true
}
