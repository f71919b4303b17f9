// Package session resolves the caller of an HTTP request to a tenant.
package session

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/sells-group/substack-intel/internal/config"
)

// Permissions checked by the trigger surface.
const (
	PermRun   = "pipeline:run"
	PermAdmin = "pipeline:admin"
)

// Session is an authenticated caller.
type Session struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// Can reports whether s holds perm. pipeline:admin implies every other
// permission.
func (s *Session) Can(perm string) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.Permissions, perm) || slices.Contains(s.Permissions, PermAdmin)
}

// Provider returns the session for a request, or nil when the request is
// unauthenticated.
type Provider interface {
	GetSession(r *http.Request) (*Session, error)
}

// TokenProvider authenticates static bearer tokens from configuration.
type TokenProvider struct {
	tokens []config.TokenConfig
}

// NewTokenProvider creates a Provider over the configured tokens. Entries
// without a token or user are ignored.
func NewTokenProvider(tokens []config.TokenConfig) *TokenProvider {
	var valid []config.TokenConfig
	for _, t := range tokens {
		if t.Token != "" && t.UserID != "" {
			valid = append(valid, t)
		}
	}
	return &TokenProvider{tokens: valid}
}

func (p *TokenProvider) GetSession(r *http.Request) (*Session, error) {
	tok, ok := BearerToken(r)
	if !ok {
		return nil, nil
	}
	for _, t := range p.tokens {
		if Equal(tok, t.Token) {
			perms := t.Permissions
			if len(perms) == 0 {
				perms = []string{PermRun}
			}
			return &Session{UserID: t.UserID, Permissions: perms}, nil
		}
	}
	return nil, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
