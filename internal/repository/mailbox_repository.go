package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
)

type MailboxRepositoryInterface interface {
	Create(ctx context.Context, m *model.Mailbox) error
	GetByID(ctx context.Context, id int64) (*model.Mailbox, error)
	Deactivate(ctx context.Context, id int64, now time.Time) (bool, error)
	UpdateHealth(ctx context.Context, id int64, health model.MailboxHealth, rate float64, now time.Time) error
	BounceStats(ctx context.Context, id int64, since time.Time) (sent, bounced int, err error)
}

type MailboxRepository struct {
	DB *sqlx.DB
}

func (r *MailboxRepository) Create(ctx context.Context, m *model.Mailbox) error {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.BounceHealth == "" {
		m.BounceHealth = model.HealthHealthy
	}
	query := `
        INSERT INTO mailboxes (email, display_name, is_active, bounce_health, bounce_rate, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(query),
		m.Email, m.DisplayName, m.IsActive, m.BounceHealth, m.BounceRate, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("creating mailbox %s: %w", m.Email, err)
	}
	return nil
}

func (r *MailboxRepository) GetByID(ctx context.Context, id int64) (*model.Mailbox, error) {
	query := `
        SELECT id, email, display_name, is_active, bounce_health, bounce_rate,
               health_checked_at, created_at, updated_at
        FROM mailboxes WHERE id = ?
    `
	var m model.Mailbox
	if err := r.DB.GetContext(ctx, &m, r.DB.Rebind(query), id); err != nil {
		if isNoRows(err) {
			return nil, appErrors.NewMailboxNotFound(id)
		}
		return nil, fmt.Errorf("getting mailbox %d: %w", id, err)
	}
	return &m, nil
}

// Deactivate turns an active mailbox off. It reports false when the mailbox
// was already inactive.
func (r *MailboxRepository) Deactivate(ctx context.Context, id int64, now time.Time) (bool, error) {
	n, err := exec(ctx, r.DB,
		`UPDATE mailboxes SET is_active = ?, updated_at = ? WHERE id = ? AND is_active = ?`,
		false, utc(now), id, true)
	if err != nil {
		return false, fmt.Errorf("deactivating mailbox %d: %w", id, err)
	}
	return n == 1, nil
}

func (r *MailboxRepository) UpdateHealth(ctx context.Context, id int64, health model.MailboxHealth, rate float64, now time.Time) error {
	_, err := exec(ctx, r.DB, `
        UPDATE mailboxes
        SET bounce_health = ?, bounce_rate = ?, health_checked_at = ?, updated_at = ?
        WHERE id = ?`,
		health, rate, utc(now), utc(now), id)
	if err != nil {
		return fmt.Errorf("updating health of mailbox %d: %w", id, err)
	}
	return nil
}

// BounceStats counts emails the mailbox sent since the window start and how
// many distinct ones among them bounced.
func (r *MailboxRepository) BounceStats(ctx context.Context, id int64, since time.Time) (int, int, error) {
	query := `
        SELECT
            COUNT(*),
            COUNT(CASE WHEN EXISTS (
                SELECT 1 FROM bounces b WHERE b.tracked_email_id = te.id
            ) OR te.status = ? THEN 1 END)
        FROM tracked_emails te
        WHERE te.mailbox_id = ? AND te.sent_at >= ?
    `
	var sent, bounced int
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(query), model.EmailBounced, id, utc(since)).Scan(&sent, &bounced)
	if err != nil {
		return 0, 0, fmt.Errorf("reading bounce stats for mailbox %d: %w", id, err)
	}
	return sent, bounced, nil
}

var _ MailboxRepositoryInterface = (*MailboxRepository)(nil)
