// internal/model/mailbox.go
package model

import "time"

type MailboxHealth string

const (
	HealthHealthy  MailboxHealth = "healthy"
	HealthWarning  MailboxHealth = "warning"
	HealthCritical MailboxHealth = "critical"
)

type Mailbox struct {
	ID              int64         `db:"id" json:"id"`
	Email           string        `db:"email" json:"email"`
	DisplayName     string        `db:"display_name" json:"display_name"`
	IsActive        bool          `db:"is_active" json:"is_active"`
	BounceHealth    MailboxHealth `db:"bounce_health" json:"bounce_health"`
	BounceRate      float64       `db:"bounce_rate" json:"bounce_rate"`
	HealthCheckedAt *time.Time    `db:"health_checked_at" json:"health_checked_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

type AlertType string

const (
	AlertBounceRateWarning  AlertType = "bounce_rate_warning"
	AlertBounceRateCritical AlertType = "bounce_rate_critical"
)

type MailboxAlert struct {
	ID         int64     `db:"id" json:"id"`
	MailboxID  int64     `db:"mailbox_id" json:"mailbox_id"`
	AlertType  AlertType `db:"alert_type" json:"alert_type"`
	Severity   string    `db:"severity" json:"severity"`
	Message    string    `db:"message" json:"message"`
	BounceRate float64   `db:"bounce_rate" json:"bounce_rate"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
