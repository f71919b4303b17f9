package model

import "time"

// RunStatus is the state of a pipeline run as reported to the dashboard.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Trigger names what started a pipeline run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerCLI       Trigger = "cli"
)

// Progress is the latest progress event for a user's pipeline.
type Progress struct {
	UserID              string    `json:"user_id"`
	RunID               string    `json:"run_id,omitempty"`
	Status              RunStatus `json:"status"`
	Progress            int       `json:"progress"`
	Message             string    `json:"message"`
	EmailsProcessed     int       `json:"emails_processed"`
	EmailsFailed        int       `json:"emails_failed"`
	CompaniesExtracted  int       `json:"companies_extracted"`
	CurrentEmailSubject string    `json:"current_email_subject,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IdleProgress is reported for a user with no stored progress.
func IdleProgress(userID string) Progress {
	return Progress{UserID: userID, Status: RunStatusIdle, Message: "idle"}
}
