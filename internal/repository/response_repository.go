package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/followup-engine/internal/model"
)

// ResponseRepositoryInterface covers reply records and manual contacts. The
// engine only reads them; reply detection and the admin API write them.
type ResponseRepositoryInterface interface {
	Create(ctx context.Context, resp *model.EmailResponse) error
	HasResponse(ctx context.Context, emailID int64) (bool, error)
	CreateManualContact(ctx context.Context, c *model.ManualContact) error
	LatestManualContact(ctx context.Context, emailID int64) (*time.Time, error)
}

type ResponseRepository struct {
	DB *sqlx.DB
}

func (r *ResponseRepository) Create(ctx context.Context, resp *model.EmailResponse) error {
	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = time.Now()
	}
	resp.ReceivedAt = resp.ReceivedAt.UTC()
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(`
        INSERT INTO email_responses (tracked_email_id, from_address, received_at)
        VALUES (?, ?, ?) RETURNING id`),
		resp.TrackedEmailID, resp.FromAddress, resp.ReceivedAt,
	).Scan(&resp.ID)
	if err != nil {
		return fmt.Errorf("recording response for email %d: %w", resp.TrackedEmailID, err)
	}
	return nil
}

// HasResponse is the authoritative reply check used before every send. Only
// replies received after the email was last resumed count.
func (r *ResponseRepository) HasResponse(ctx context.Context, emailID int64) (bool, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, r.DB.Rebind(`
        SELECT COUNT(*) FROM email_responses er
        JOIN tracked_emails te ON te.id = er.tracked_email_id
        WHERE er.tracked_email_id = ?
          AND (te.resumed_at IS NULL OR er.received_at > te.resumed_at)`), emailID)
	if err != nil {
		return false, fmt.Errorf("checking responses for email %d: %w", emailID, err)
	}
	return n > 0, nil
}

func (r *ResponseRepository) CreateManualContact(ctx context.Context, c *model.ManualContact) error {
	c.ContactedAt = c.ContactedAt.UTC()
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(`
        INSERT INTO manual_contacts (tracked_email_id, contacted_at)
        VALUES (?, ?) RETURNING id`),
		c.TrackedEmailID, c.ContactedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("recording manual contact for email %d: %w", c.TrackedEmailID, err)
	}
	return nil
}

// LatestManualContact returns nil when the sender never wrote by hand.
func (r *ResponseRepository) LatestManualContact(ctx context.Context, emailID int64) (*time.Time, error) {
	var t time.Time
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(`
        SELECT contacted_at FROM manual_contacts
        WHERE tracked_email_id = ?
        ORDER BY contacted_at DESC LIMIT 1`), emailID).Scan(&t)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manual contacts for email %d: %w", emailID, err)
	}
	t = t.UTC()
	return &t, nil
}

var _ ResponseRepositoryInterface = (*ResponseRepository)(nil)
