package session

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/substack-intel/internal/config"
)

func TestTokenProvider_GetSession(t *testing.T) {
	p := NewTokenProvider([]config.TokenConfig{
		{Token: "tok-alice", UserID: "alice"},
		{Token: "tok-ops", UserID: "ops", Permissions: []string{PermAdmin}},
		{Token: "", UserID: "ignored"},
	})

	tests := []struct {
		name   string
		header string
		user   string
		run    bool
		admin  bool
	}{
		{name: "default permissions", header: "Bearer tok-alice", user: "alice", run: true},
		{name: "admin implies run", header: "Bearer tok-ops", user: "ops", run: true, admin: true},
		{name: "scheme is case insensitive", header: "bearer tok-alice", user: "alice", run: true},
		{name: "unknown token", header: "Bearer nope"},
		{name: "missing header", header: ""},
		{name: "basic auth", header: "Basic dG9rLWFsaWNl"},
		{name: "empty bearer", header: "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			s, err := p.GetSession(r)
			require.NoError(t, err)
			if tt.user == "" {
				assert.Nil(t, s)
				return
			}
			require.NotNil(t, s)
			assert.Equal(t, tt.user, s.UserID)
			assert.Equal(t, tt.run, s.Can(PermRun))
			assert.Equal(t, tt.admin, s.Can(PermAdmin))
		})
	}
}

func TestSession_NilCannot(t *testing.T) {
	var s *Session
	assert.False(t, s.Can(PermRun))
}
