package mailbox

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/resilience"
)

// CredentialStore looks up a user's stored mailbox credential.
type CredentialStore interface {
	GetMailboxCredential(ctx context.Context, userID string) (*model.MailboxCredential, error)
}

// ConnectorFactory builds a Connector per tenant.
type ConnectorFactory struct {
	cfg   config.GmailConfig
	oauth *oauth2.Config
	creds CredentialStore
}

// NewConnectorFactory creates a factory using the configured OAuth client.
// Users without a stored credential fall back to cfg.RefreshToken when they
// are the configured default user.
func NewConnectorFactory(cfg config.GmailConfig, creds CredentialStore) *ConnectorFactory {
	return &ConnectorFactory{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		},
		creds: creds,
	}
}

// ForUser returns a connector for userID. A user with no usable refresh
// token is a *resilience.ConfigurationError.
func (f *ConnectorFactory) ForUser(ctx context.Context, userID string) (Connector, error) {
	token, err := f.refreshToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	ts := f.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: token})
	return NewGmailConnector(ctx, ts, GmailOptions{
		Query:     f.cfg.Query,
		RateLimit: f.cfg.RateLimit,
		BaseURL:   f.cfg.BaseURL,
	})
}

func (f *ConnectorFactory) refreshToken(ctx context.Context, userID string) (string, error) {
	if f.creds != nil {
		cred, err := f.creds.GetMailboxCredential(ctx, userID)
		if err != nil {
			return "", eris.Wrapf(err, "mailbox: load credential for %s", userID)
		}
		if cred != nil && cred.RefreshToken != "" {
			return cred.RefreshToken, nil
		}
	}
	if userID == f.cfg.UserID && f.cfg.RefreshToken != "" {
		return f.cfg.RefreshToken, nil
	}
	return "", &resilience.ConfigurationError{Missing: []string{"mailbox credential for user " + userID}}
}
