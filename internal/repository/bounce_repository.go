package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
)

type BounceRepositoryInterface interface {
	Create(ctx context.Context, b *model.Bounce) error
	ListUnprocessed(ctx context.Context, limit int) ([]model.Bounce, error)
	Link(ctx context.Context, id, emailID int64) error
	MarkProcessed(ctx context.Context, id int64, now time.Time) (bool, error)
}

type BounceRepository struct {
	DB *sqlx.DB
}

// bounceRow carries failed_recipients as the stored comma list.
type bounceRow struct {
	model.Bounce
	Recipients string `db:"failed_recipients"`
}

func (r *BounceRepository) Create(ctx context.Context, b *model.Bounce) error {
	b.CreatedAt = time.Now().UTC()
	if b.BounceType == "" {
		b.BounceType = model.BounceUnknown
	}
	if b.DetectedAt.IsZero() {
		b.DetectedAt = b.CreatedAt
	}
	query := `
        INSERT INTO bounces (
            tracked_email_id, bounce_type, bounce_code, bounce_reason, failed_recipients,
            original_subject, detected_at, processed, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(query),
		b.TrackedEmailID, b.BounceType, b.BounceCode, model.TruncateReason(b.BounceReason),
		strings.Join(normalizeAddresses(b.FailedRecipients), ","),
		b.OriginalSubject, utc(b.DetectedAt), false, b.CreatedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("creating bounce: %w", err)
	}
	return nil
}

// ListUnprocessed returns unprocessed bounces in detection order.
func (r *BounceRepository) ListUnprocessed(ctx context.Context, limit int) ([]model.Bounce, error) {
	query := `
        SELECT id, tracked_email_id, bounce_type, bounce_code, bounce_reason, failed_recipients,
               original_subject, detected_at, processed, processed_at, created_at
        FROM bounces
        WHERE processed = ?
        ORDER BY detected_at ASC, id ASC
        LIMIT ?
    `
	rows := []bounceRow{}
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), false, limit); err != nil {
		return nil, fmt.Errorf("listing unprocessed bounces: %w", err)
	}
	out := make([]model.Bounce, 0, len(rows))
	for _, row := range rows {
		b := row.Bounce
		if row.Recipients != "" {
			b.FailedRecipients = strings.Split(row.Recipients, ",")
		}
		out = append(out, b)
	}
	return out, nil
}

// Link records the tracked email a bounce was matched to.
func (r *BounceRepository) Link(ctx context.Context, id, emailID int64) error {
	if _, err := exec(ctx, r.DB,
		`UPDATE bounces SET tracked_email_id = ? WHERE id = ? AND processed = ?`,
		emailID, id, false); err != nil {
		return fmt.Errorf("linking bounce %d to email %d: %w", id, emailID, err)
	}
	return nil
}

// MarkProcessed flips the processed flag once. A false result means another
// sweep already took the record.
func (r *BounceRepository) MarkProcessed(ctx context.Context, id int64, now time.Time) (bool, error) {
	if !model.CanTransitionBounce(model.BounceUnprocessed, model.BounceProcessed) {
		return false, appErrors.NewInvalidTransition("bounce", string(model.BounceUnprocessed), string(model.BounceProcessed))
	}
	n, err := exec(ctx, r.DB,
		`UPDATE bounces SET processed = ?, processed_at = ? WHERE id = ? AND processed = ?`,
		true, utc(now), id, false)
	if err != nil {
		return false, fmt.Errorf("marking bounce %d processed: %w", id, err)
	}
	return n == 1, nil
}

var _ BounceRepositoryInterface = (*BounceRepository)(nil)
