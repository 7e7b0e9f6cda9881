package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/followup-engine/internal/model"
)

type AlertRepositoryInterface interface {
	Create(ctx context.Context, a *model.MailboxAlert) error
	CountSince(ctx context.Context, mailboxID int64, alertType model.AlertType, since time.Time) (int, error)
	ListByMailbox(ctx context.Context, mailboxID int64) ([]model.MailboxAlert, error)
}

type AlertRepository struct {
	DB *sqlx.DB
}

func (r *AlertRepository) Create(ctx context.Context, a *model.MailboxAlert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	query := `
        INSERT INTO mailbox_alerts (mailbox_id, alert_type, severity, message, bounce_rate, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        RETURNING id
    `
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(query),
		a.MailboxID, a.AlertType, a.Severity, a.Message, a.BounceRate, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("creating %s alert for mailbox %d: %w", a.AlertType, a.MailboxID, err)
	}
	return nil
}

func (r *AlertRepository) CountSince(ctx context.Context, mailboxID int64, alertType model.AlertType, since time.Time) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, r.DB.Rebind(`
        SELECT COUNT(*) FROM mailbox_alerts
        WHERE mailbox_id = ? AND alert_type = ? AND created_at >= ?`),
		mailboxID, alertType, utc(since))
	if err != nil {
		return 0, fmt.Errorf("counting alerts for mailbox %d: %w", mailboxID, err)
	}
	return n, nil
}

func (r *AlertRepository) ListByMailbox(ctx context.Context, mailboxID int64) ([]model.MailboxAlert, error) {
	out := []model.MailboxAlert{}
	err := r.DB.SelectContext(ctx, &out, r.DB.Rebind(`
        SELECT id, mailbox_id, alert_type, severity, message, bounce_rate, created_at
        FROM mailbox_alerts WHERE mailbox_id = ? ORDER BY created_at DESC, id DESC`), mailboxID)
	if err != nil {
		return nil, fmt.Errorf("listing alerts for mailbox %d: %w", mailboxID, err)
	}
	return out, nil
}

var _ AlertRepositoryInterface = (*AlertRepository)(nil)
