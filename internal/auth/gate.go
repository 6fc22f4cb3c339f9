package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
)

// UserLookup resolves whether a token subject is a known account.
type UserLookup interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Gate admits credentials into the real-time core. It has no side effects:
// a refused token never reaches the presence registry.
type Gate struct {
	secret string
	users  UserLookup
}

func NewGate(secret string, users UserLookup) *Gate {
	return &Gate{secret: secret, users: users}
}

// Admit verifies signature and expiry, then resolves the subject to an
// existing user. Every rejection wraps domain.ErrUnauthorized.
func (g *Gate) Admit(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	claims, err := ParseToken(g.secret, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	ok, err := g.users.Exists(ctx, claims.UserID)
	if err != nil {
		return "", fmt.Errorf("resolve token subject: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: unknown user", domain.ErrUnauthorized)
	}
	return claims.UserID, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// RequestToken prefers the ?token= query parameter, which browsers need for
// websocket upgrades, and falls back to the bearer header.
func RequestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return BearerToken(r)
}
