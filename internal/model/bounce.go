// internal/model/bounce.go
package model

import "time"

type BounceType string

const (
	BounceHard    BounceType = "hard"
	BounceSoft    BounceType = "soft"
	BounceUnknown BounceType = "unknown"
)

// Bounce is a delivery failure report. TrackedEmailID stays nil until the
// reactor links it to an email.
type Bounce struct {
	ID               int64      `db:"id" json:"id"`
	TrackedEmailID   *int64     `db:"tracked_email_id" json:"tracked_email_id,omitempty"`
	BounceType       BounceType `db:"bounce_type" json:"bounce_type"`
	BounceCode       string     `db:"bounce_code" json:"bounce_code"`
	BounceReason     string     `db:"bounce_reason" json:"bounce_reason"`
	FailedRecipients []string   `db:"-" json:"failed_recipients"`
	OriginalSubject  string     `db:"original_subject" json:"original_subject"`
	DetectedAt       time.Time  `db:"detected_at" json:"detected_at"`
	Processed        bool       `db:"processed" json:"processed"`
	ProcessedAt      *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}
