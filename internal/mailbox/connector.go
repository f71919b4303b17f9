// Package mailbox reads newsletter messages from a user's mailbox. It is
// strictly read-only against the provider.
package mailbox

import (
	"context"

	"github.com/sells-group/substack-intel/internal/model"
)

const (
	MinLookbackDays   = 1
	MaxLookbackDays   = 90
	DefaultMaxResults = 100
	MaxResultsCap     = 500
)

// Connector fetches recent newsletter messages. Implementations classify
// failures as *resilience.AuthError or *resilience.TransientError and never
// retry on their own.
type Connector interface {
	FetchRecentMessages(ctx context.Context, lookbackDays, maxResults int) ([]model.RawMessage, error)
	TestConnection(ctx context.Context) (bool, error)
}

// ClampLookback bounds a lookback window to [MinLookbackDays, MaxLookbackDays].
func ClampLookback(days int) int {
	switch {
	case days < MinLookbackDays:
		return MinLookbackDays
	case days > MaxLookbackDays:
		return MaxLookbackDays
	}
	return days
}

// ClampMaxResults defaults a non-positive limit and caps large ones.
func ClampMaxResults(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxResults
	case n > MaxResultsCap:
		return MaxResultsCap
	}
	return n
}
