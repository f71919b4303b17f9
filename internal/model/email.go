package model

import "time"

// EmailStatus is the processing state of an ingested newsletter email.
type EmailStatus string

const (
	EmailStatusUnprocessed EmailStatus = "unprocessed"
	EmailStatusProcessing  EmailStatus = "processing"
	EmailStatusCompleted   EmailStatus = "completed"
	EmailStatusFailed      EmailStatus = "failed"
)

// Valid reports whether s is a known status.
func (s EmailStatus) Valid() bool {
	switch s {
	case EmailStatusUnprocessed, EmailStatusProcessing, EmailStatusCompleted, EmailStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends normal processing.
func (s EmailStatus) Terminal() bool {
	return s == EmailStatusCompleted || s == EmailStatusFailed
}

// CanTransition reports whether moving from s to next is legal. Besides the
// forward path, failed emails may be reset by an operator and processing
// emails may be reset by stuck-email recovery.
func (s EmailStatus) CanTransition(next EmailStatus) bool {
	switch s {
	case EmailStatusUnprocessed:
		return next == EmailStatusProcessing
	case EmailStatusProcessing:
		return next == EmailStatusCompleted || next == EmailStatusFailed || next == EmailStatusUnprocessed
	case EmailStatusFailed:
		return next == EmailStatusUnprocessed
	}
	return false
}

// Email is a stored newsletter message.
type Email struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"user_id"`
	MessageID           string      `json:"message_id"`
	Subject             string      `json:"subject"`
	Sender              string      `json:"sender"`
	NewsletterName      string      `json:"newsletter_name"`
	ReceivedAt          time.Time   `json:"received_at"`
	RawContent          string      `json:"-"`
	CleanText           string      `json:"clean_text,omitempty"`
	Status              EmailStatus `json:"status"`
	ErrorMessage        string      `json:"error_message,omitempty"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time  `json:"processed_at,omitempty"`
	CompaniesExtracted  int         `json:"companies_extracted"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Transition describes a conditional status change of one email.
type Transition struct {
	From EmailStatus
	To   EmailStatus

	// ErrorMessage is recorded when To is failed.
	ErrorMessage string
	// CompaniesExtracted is recorded when To is completed.
	CompaniesExtracted int
}

// RawMessage is a message as returned by the mailbox provider.
type RawMessage struct {
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
	HTML       string    `json:"html,omitempty"`
	Text       string    `json:"text,omitempty"`
}

// Body returns the HTML body when present, otherwise the text body.
func (m RawMessage) Body() string {
	if m.HTML != "" {
		return m.HTML
	}
	return m.Text
}

// NormalizedContent is the normalizer's output for one message.
type NormalizedContent struct {
	CleanText      string `json:"clean_text"`
	NewsletterName string `json:"newsletter_name"`
}

// UnknownNewsletter is used when no plausible newsletter name is found.
const UnknownNewsletter = "Unknown"
