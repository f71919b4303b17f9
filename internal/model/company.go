package model

import "time"

// FundingStatus is the normalized funding stage of a company.
type FundingStatus string

const (
	FundingUnknown FundingStatus = "unknown"
	FundingSeed    FundingStatus = "seed"
	FundingSeriesA FundingStatus = "series-a"
	FundingSeriesB FundingStatus = "series-b"
	FundingSeriesC FundingStatus = "series-c"
	FundingPublic  FundingStatus = "public"
)

// Valid reports whether f is one of the known stages.
func (f FundingStatus) Valid() bool {
	switch f {
	case FundingUnknown, FundingSeed, FundingSeriesA, FundingSeriesB, FundingSeriesC, FundingPublic:
		return true
	}
	return false
}

// Sentiment is the tone of a mention.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// EnrichmentStatus tracks downstream enrichment of a company.
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"
	EnrichmentQueued   EnrichmentStatus = "queued"
	EnrichmentEnriched EnrichmentStatus = "enriched"
	EnrichmentFailed   EnrichmentStatus = "failed"
)

// Company is the deduplicated record for one normalized name within a tenant.
type Company struct {
	ID                  int64            `json:"id"`
	UserID              string           `json:"user_id"`
	Name                string           `json:"name"`
	NormalizedName      string           `json:"normalized_name"`
	Description         *string          `json:"description,omitempty"`
	Website             *string          `json:"website,omitempty"`
	FundingStatus       FundingStatus    `json:"funding_status"`
	Industry            []string         `json:"industry"`
	MentionCount        int              `json:"mention_count"`
	NewsletterDiversity int              `json:"newsletter_diversity"`
	FirstSeenAt         time.Time        `json:"first_seen_at"`
	LastUpdatedAt       time.Time        `json:"last_updated_at"`
	EnrichmentStatus    EnrichmentStatus `json:"enrichment_status"`
}

// Candidate is one company proposed by the extraction engine.
type Candidate struct {
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Website       string        `json:"website,omitempty"`
	FundingStatus FundingStatus `json:"funding_status"`
	Industry      []string      `json:"industry,omitempty"`
	Sentiment     Sentiment     `json:"sentiment"`
	Confidence    float64       `json:"confidence"`
	Context       string        `json:"context"`
}
