package model

import "time"

// Mention is one company appearing in one email. At most one exists per
// (EmailID, CompanyID).
type Mention struct {
	ID          int64     `json:"id"`
	EmailID     string    `json:"email_id"`
	CompanyID   int64     `json:"company_id"`
	Context     string    `json:"context"`
	Sentiment   Sentiment `json:"sentiment"`
	Confidence  float64   `json:"confidence"`
	ExtractedAt time.Time `json:"extracted_at"`

	// Populated by listing queries that join the source email.
	NewsletterName string `json:"newsletter_name,omitempty"`
	Subject        string `json:"subject,omitempty"`
}

// MailboxCredential is a stored OAuth refresh token for a user's mailbox.
type MailboxCredential struct {
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	EmailAddress string    `json:"email_address"`
	RefreshToken string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}
