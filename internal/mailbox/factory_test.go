package mailbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/resilience"
)

type mockCreds struct{ mock.Mock }

func (m *mockCreds) GetMailboxCredential(ctx context.Context, userID string) (*model.MailboxCredential, error) {
	args := m.Called(ctx, userID)
	if c := args.Get(0); c != nil {
		return c.(*model.MailboxCredential), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestConnectorFactory_RefreshToken(t *testing.T) {
	creds := new(mockCreds)
	creds.On("GetMailboxCredential", mock.Anything, "stored").
		Return(&model.MailboxCredential{UserID: "stored", RefreshToken: "stored-token"}, nil)
	creds.On("GetMailboxCredential", mock.Anything, "default").Return(nil, nil)
	creds.On("GetMailboxCredential", mock.Anything, "nobody").Return(nil, nil)
	creds.On("GetMailboxCredential", mock.Anything, "broken").Return(nil, errors.New("db down"))

	f := NewConnectorFactory(config.GmailConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		UserID:       "default",
		RefreshToken: "config-token",
	}, creds)
	ctx := context.Background()

	tok, err := f.refreshToken(ctx, "stored")
	require.NoError(t, err)
	assert.Equal(t, "stored-token", tok)

	tok, err = f.refreshToken(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "config-token", tok)

	_, err = f.refreshToken(ctx, "nobody")
	require.Error(t, err)
	assert.True(t, resilience.IsConfiguration(err))
	assert.True(t, resilience.IsFatal(err))

	_, err = f.refreshToken(ctx, "broken")
	require.Error(t, err)
	assert.False(t, resilience.IsConfiguration(err))
}

func TestConnectorFactory_ForUser(t *testing.T) {
	f := NewConnectorFactory(config.GmailConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		UserID:       "default",
		RefreshToken: "config-token",
		Query:        "label:newsletters",
	}, nil)

	c, err := f.ForUser(context.Background(), "default")
	require.NoError(t, err)
	gc, ok := c.(*GmailConnector)
	require.True(t, ok)
	assert.Equal(t, "label:newsletters", gc.query)

	_, err = f.ForUser(context.Background(), "other")
	assert.True(t, resilience.IsConfiguration(err))
}
