package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmailStatus_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from EmailStatus
		to   EmailStatus
		want bool
	}{
		{EmailStatusUnprocessed, EmailStatusProcessing, true},
		{EmailStatusProcessing, EmailStatusCompleted, true},
		{EmailStatusProcessing, EmailStatusFailed, true},
		{EmailStatusProcessing, EmailStatusUnprocessed, true},
		{EmailStatusFailed, EmailStatusUnprocessed, true},

		{EmailStatusUnprocessed, EmailStatusCompleted, false},
		{EmailStatusUnprocessed, EmailStatusFailed, false},
		{EmailStatusCompleted, EmailStatusProcessing, false},
		{EmailStatusCompleted, EmailStatusUnprocessed, false},
		{EmailStatusFailed, EmailStatusProcessing, false},
		{EmailStatusFailed, EmailStatusCompleted, false},
		{EmailStatus("bogus"), EmailStatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestEmailStatus_ValidAndTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, EmailStatusCompleted.Terminal())
	assert.True(t, EmailStatusFailed.Terminal())
	assert.False(t, EmailStatusProcessing.Terminal())
	assert.True(t, EmailStatusUnprocessed.Valid())
	assert.False(t, EmailStatus("done").Valid())
}

func TestFundingStatus_Valid(t *testing.T) {
	t.Parallel()

	for _, f := range []FundingStatus{FundingUnknown, FundingSeed, FundingSeriesA, FundingSeriesB, FundingSeriesC, FundingPublic} {
		assert.True(t, f.Valid(), string(f))
	}
	assert.False(t, FundingStatus("series_a").Valid())
}

func TestRawMessage_Body(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<p>hi</p>", RawMessage{HTML: "<p>hi</p>", Text: "hi"}.Body())
	assert.Equal(t, "hi", RawMessage{Text: "hi"}.Body())
}

func TestIdleProgress(t *testing.T) {
	t.Parallel()

	p := IdleProgress("user-1")
	assert.Equal(t, RunStatusIdle, p.Status)
	assert.Equal(t, "user-1", p.UserID)
	assert.Zero(t, p.Progress)
}
