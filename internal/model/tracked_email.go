// internal/model/tracked_email.go
package model

import "time"

type TrackedEmail struct {
	ID                int64       `db:"id" json:"id"`
	MailboxID         int64       `db:"mailbox_id" json:"mailbox_id"`
	SenderEmail       string      `db:"sender_email" json:"sender_email"`
	RecipientEmail    string      `db:"recipient_email" json:"recipient_email"`
	Subject           string      `db:"subject" json:"subject"`
	ConversationID    string      `db:"conversation_id" json:"conversation_id"`
	InternetMessageID string      `db:"internet_message_id" json:"internet_message_id"`
	NativeMessageID   string      `db:"native_message_id" json:"native_message_id"`
	Status            EmailStatus `db:"status" json:"status"`
	BounceType        *BounceType `db:"bounce_type" json:"bounce_type,omitempty"`
	BounceCode        *string     `db:"bounce_code" json:"bounce_code,omitempty"`
	BounceReason      *string     `db:"bounce_reason" json:"bounce_reason,omitempty"`
	BounceCount       int         `db:"bounce_count" json:"bounce_count"`
	BounceDetectedAt  *time.Time  `db:"bounce_detected_at" json:"bounce_detected_at,omitempty"`
	SentAt            time.Time   `db:"sent_at" json:"sent_at"`
	// ResumedAt is the last administrative resume. Replies received before
	// it no longer hold follow-ups back.
	ResumedAt         *time.Time  `db:"resumed_at" json:"resumed_at,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
}

// BounceDetails is the metadata recorded on a tracked email when a bounce
// is applied to it.
type BounceDetails struct {
	Type       BounceType
	Code       string
	Reason     string
	DetectedAt time.Time
}

// EmailResponse is a reply received for a tracked email. Rows are written
// by reply detection; the engine only checks for their existence since the
// last resume.
type EmailResponse struct {
	ID             int64     `db:"id" json:"id"`
	TrackedEmailID int64     `db:"tracked_email_id" json:"tracked_email_id"`
	FromAddress    string    `db:"from_address" json:"from_address"`
	ReceivedAt     time.Time `db:"received_at" json:"received_at"`
}

// ManualContact is an outbound message the sender wrote by hand inside the
// tracked conversation.
type ManualContact struct {
	ID             int64     `db:"id" json:"id"`
	TrackedEmailID int64     `db:"tracked_email_id" json:"tracked_email_id"`
	ContactedAt    time.Time `db:"contacted_at" json:"contacted_at"`
}
