// internal/model/followup.go
package model

import "time"

// MaxReasonLength bounds failure and cancellation reasons.
const MaxReasonLength = 500

type Followup struct {
	ID                 int64          `db:"id" json:"id"`
	TrackedEmailID     int64          `db:"tracked_email_id" json:"tracked_email_id"`
	FollowupNumber     int            `db:"followup_number" json:"followup_number"`
	ScheduledFor       time.Time      `db:"scheduled_for" json:"scheduled_for"`
	Status             FollowupStatus `db:"status" json:"status"` // scheduled, sent, cancelled, failed
	Subject            string         `db:"subject" json:"subject"`
	Body               string         `db:"body" json:"body"`
	SentAt             *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CancelledAt        *time.Time     `db:"cancelled_at" json:"cancelled_at,omitempty"`
	FailedAt           *time.Time     `db:"failed_at" json:"failed_at,omitempty"`
	FailureReason      *string        `db:"failure_reason" json:"failure_reason,omitempty"`
	CancellationReason *string        `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	ClaimToken         *string        `db:"claim_token" json:"-"`
	ClaimedAt          *time.Time     `db:"claimed_at" json:"-"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// DueFollowup is a scheduled follow-up joined with the email and mailbox it
// will be sent for.
type DueFollowup struct {
	Followup Followup
	Email    TrackedEmail
	Mailbox  Mailbox
}

// TruncateReason cuts s to MaxReasonLength bytes without splitting a rune.
func TruncateReason(s string) string {
	if len(s) <= MaxReasonLength {
		return s
	}
	cut := MaxReasonLength
	for cut > 0 && !runeStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func runeStart(b byte) bool { return b&0xC0 != 0x80 }
