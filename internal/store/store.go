package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/substack-intel/internal/model"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrIllegalTransition is returned when an email is not in the expected
	// status for a conditional status change.
	ErrIllegalTransition = eris.New("store: illegal email status transition")
)

// EmailFilter specifies criteria for listing emails.
type EmailFilter struct {
	UserID string            `json:"user_id"`
	Status model.EmailStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// CompanyFilter specifies criteria for listing companies.
type CompanyFilter struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// MentionUpsert is one resolved candidate to record against an email.
type MentionUpsert struct {
	UserID         string
	EmailID        string
	NormalizedName string
	Candidate      model.Candidate
	SeenAt         time.Time
}

// MentionResult reports what UpsertCompanyMention wrote.
type MentionResult struct {
	CompanyID           int64
	MentionID           int64
	CompanyCreated      bool
	MentionCreated      bool
	MentionCount        int
	NewsletterDiversity int
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Emails
	InsertEmails(ctx context.Context, emails []model.Email) (int, error)
	GetEmail(ctx context.Context, id string) (*model.Email, error)
	ListEmails(ctx context.Context, filter EmailFilter) ([]model.Email, error)
	TransitionEmail(ctx context.Context, id string, t model.Transition) error
	SetCleanContent(ctx context.Context, id string, content model.NormalizedContent) error
	ResetEmails(ctx context.Context, userID string, from model.EmailStatus) (int, error)
	CountEmailsByStatus(ctx context.Context, userID string) (map[model.EmailStatus]int, error)

	// Companies and mentions
	UpsertCompanyMention(ctx context.Context, in MentionUpsert) (*MentionResult, error)
	GetCompany(ctx context.Context, id int64) (*model.Company, error)
	FindCompany(ctx context.Context, userID, normalizedName string) (*model.Company, error)
	SimilarCompanies(ctx context.Context, userID, normalizedName string, limit int) ([]model.Company, error)
	ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Company, error)
	ListMentions(ctx context.Context, companyID int64) ([]model.Mention, error)
	SetEnrichmentStatus(ctx context.Context, companyID int64, status model.EnrichmentStatus) error

	// Progress
	GetProgress(ctx context.Context, userID string) (*model.Progress, error)
	SetProgress(ctx context.Context, p model.Progress) error
	ClearProgress(ctx context.Context, userID string) error

	// Locks
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
	ForceReleaseLock(ctx context.Context, key string) error

	// Mailbox credentials
	GetMailboxCredential(ctx context.Context, userID string) (*model.MailboxCredential, error)
	SaveMailboxCredential(ctx context.Context, cred model.MailboxCredential) error
	ListTenants(ctx context.Context) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func checkTransition(t model.Transition) error {
	if !t.From.CanTransition(t.To) {
		return eris.Wrapf(ErrIllegalTransition, "%s -> %s", t.From, t.To)
	}
	return nil
}

// transitionTimes returns the processing_started_at and processed_at values
// to write for t. A nil pointer clears the column.
func transitionTimes(t model.Transition, now time.Time) (startedAt, processedAt *time.Time) {
	switch {
	case t.To == model.EmailStatusProcessing:
		return &now, nil
	case t.To.Terminal():
		return nil, &now
	}
	return nil, nil
}

func nullIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// mergeTags returns the sorted union of a and b without empties.
func mergeTags(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func limitOrDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func fundingOrUnknown(f model.FundingStatus) model.FundingStatus {
	if !f.Valid() {
		return model.FundingUnknown
	}
	return f
}

func sentimentOrNeutral(s model.Sentiment) model.Sentiment {
	switch s {
	case model.SentimentPositive, model.SentimentNegative, model.SentimentNeutral:
		return s
	}
	return model.SentimentNeutral
}
