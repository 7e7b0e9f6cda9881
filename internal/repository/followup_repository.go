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

// Progress is the per-email follow-up history the eligibility rules read.
type Progress struct {
	TotalSent    int
	SentToday    int
	LastSequence int // highest followup_number in any status
	LastSentAt   *time.Time
}

type FollowupRepositoryInterface interface {
	Create(ctx context.Context, f *model.Followup) error
	GetByID(ctx context.Context, id int64) (*model.Followup, error)
	ListByEmail(ctx context.Context, emailID int64) ([]model.Followup, error)
	Progress(ctx context.Context, emailID int64, dayStart time.Time) (*Progress, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.DueFollowup, error)

	Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error)
	Release(ctx context.Context, id int64, token string, now time.Time) error
	MarkSent(ctx context.Context, id int64, token string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, token, reason string, now time.Time) (bool, error)
	Cancel(ctx context.Context, id int64, token, reason string, now time.Time) (bool, error)

	// Set-based operations used by bounce handling and maintenance.
	CancelScheduledForEmail(ctx context.Context, emailID int64, reason string, now time.Time) (int64, error)
	DelayScheduledForEmail(ctx context.Context, emailID int64, until, now time.Time) (int64, error)
	CancelForEmailStatus(ctx context.Context, status model.EmailStatus, reason string, now time.Time) (int64, error)
	CancelScheduledBefore(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int64, error)
	FailExpiredClaims(ctx context.Context, claimedBefore time.Time, reason string, now time.Time) (int64, error)
}

type FollowupRepository struct {
	DB *sqlx.DB
}

var followupColumns = []string{
	"id", "tracked_email_id", "followup_number", "scheduled_for", "status", "subject", "body",
	"sent_at", "cancelled_at", "failed_at", "failure_reason", "cancellation_reason",
	"claim_token", "claimed_at", "created_at", "updated_at",
}

// Create inserts a scheduled follow-up. The unique indexes reject a second
// scheduled row for the same email and a reused sequence number.
func (r *FollowupRepository) Create(ctx context.Context, f *model.Followup) error {
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	f.Status = model.FollowupScheduled
	f.ScheduledFor = f.ScheduledFor.UTC()

	query := `
        INSERT INTO followups (
            tracked_email_id, followup_number, scheduled_for, status, subject, body, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(query),
		f.TrackedEmailID, f.FollowupNumber, f.ScheduledFor, f.Status, f.Subject, f.Body, f.CreatedAt, f.UpdatedAt,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("creating followup %d for email %d: %w", f.FollowupNumber, f.TrackedEmailID, err)
	}
	return nil
}

func (r *FollowupRepository) GetByID(ctx context.Context, id int64) (*model.Followup, error) {
	query := `SELECT ` + strings.Join(followupColumns, ", ") + ` FROM followups WHERE id = ?`
	var f model.Followup
	if err := r.DB.GetContext(ctx, &f, r.DB.Rebind(query), id); err != nil {
		if isNoRows(err) {
			return nil, appErrors.ErrNotFound
		}
		return nil, fmt.Errorf("getting followup %d: %w", id, err)
	}
	return &f, nil
}

// ListByEmail returns every follow-up of an email in sequence order.
func (r *FollowupRepository) ListByEmail(ctx context.Context, emailID int64) ([]model.Followup, error) {
	query := `SELECT ` + strings.Join(followupColumns, ", ") +
		` FROM followups WHERE tracked_email_id = ? ORDER BY followup_number ASC`
	out := []model.Followup{}
	if err := r.DB.SelectContext(ctx, &out, r.DB.Rebind(query), emailID); err != nil {
		return nil, fmt.Errorf("listing followups for email %d: %w", emailID, err)
	}
	return out, nil
}

func (r *FollowupRepository) Progress(ctx context.Context, emailID int64, dayStart time.Time) (*Progress, error) {
	var p Progress
	counts := `
        SELECT
            COUNT(CASE WHEN status = ? THEN 1 END),
            COUNT(CASE WHEN status = ? AND sent_at >= ? THEN 1 END),
            COALESCE(MAX(followup_number), 0)
        FROM followups
        WHERE tracked_email_id = ?
    `
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(counts),
		model.FollowupSent, model.FollowupSent, utc(dayStart), emailID,
	).Scan(&p.TotalSent, &p.SentToday, &p.LastSequence)
	if err != nil {
		return nil, fmt.Errorf("reading followup counts for email %d: %w", emailID, err)
	}

	if p.TotalSent == 0 {
		return &p, nil
	}
	var last time.Time
	latest := `
        SELECT sent_at FROM followups
        WHERE tracked_email_id = ? AND status = ? AND sent_at IS NOT NULL
        ORDER BY sent_at DESC LIMIT 1
    `
	err = r.DB.QueryRowxContext(ctx, r.DB.Rebind(latest), emailID, model.FollowupSent).Scan(&last)
	switch {
	case isNoRows(err):
	case err != nil:
		return nil, fmt.Errorf("reading last followup for email %d: %w", emailID, err)
	default:
		last = last.UTC()
		p.LastSentAt = &last
	}
	return &p, nil
}

// ListDue returns unclaimed scheduled follow-ups whose time has come, for
// pending emails of active mailboxes, earliest first.
func (r *FollowupRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.DueFollowup, error) {
	query := `
        SELECT
            f.id, f.tracked_email_id, f.followup_number, f.scheduled_for, f.status,
            f.subject, f.body, f.created_at, f.updated_at,
            te.id, te.mailbox_id, te.sender_email, te.recipient_email, te.subject,
            te.conversation_id, te.internet_message_id, te.native_message_id,
            te.status, te.bounce_count, te.sent_at,
            m.id, m.email, m.display_name, m.is_active
        FROM followups f
        JOIN tracked_emails te ON te.id = f.tracked_email_id
        JOIN mailboxes m ON m.id = te.mailbox_id
        WHERE f.status = ?
          AND f.scheduled_for <= ?
          AND f.claim_token IS NULL
          AND te.status = ?
          AND m.is_active = ?
        ORDER BY f.scheduled_for ASC, f.id ASC
        LIMIT ?
    `
	rows, err := r.DB.QueryxContext(ctx, r.DB.Rebind(query),
		model.FollowupScheduled, utc(now), model.EmailPending, true, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due followups: %w", err)
	}
	defer rows.Close()

	due := []model.DueFollowup{}
	for rows.Next() {
		var d model.DueFollowup
		f, e, m := &d.Followup, &d.Email, &d.Mailbox
		if err := rows.Scan(
			&f.ID, &f.TrackedEmailID, &f.FollowupNumber, &f.ScheduledFor, &f.Status,
			&f.Subject, &f.Body, &f.CreatedAt, &f.UpdatedAt,
			&e.ID, &e.MailboxID, &e.SenderEmail, &e.RecipientEmail, &e.Subject,
			&e.ConversationID, &e.InternetMessageID, &e.NativeMessageID,
			&e.Status, &e.BounceCount, &e.SentAt,
			&m.ID, &m.Email, &m.DisplayName, &m.IsActive,
		); err != nil {
			return nil, fmt.Errorf("scanning due followup: %w", err)
		}
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due followups: %w", err)
	}
	return due, nil
}

// Claim leases a scheduled follow-up to one dispatcher. A false result means
// another invocation already holds it or it left the scheduled state.
func (r *FollowupRepository) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE followups SET claim_token = ?, claimed_at = ?, updated_at = ?
        WHERE id = ? AND status = ? AND claim_token IS NULL`,
		token, utc(now), utc(now), id, model.FollowupScheduled)
	if err != nil {
		return false, fmt.Errorf("claiming followup %d: %w", id, err)
	}
	return n == 1, nil
}

// Release drops a claim without changing status, so the next tick can pick
// the follow-up up again.
func (r *FollowupRepository) Release(ctx context.Context, id int64, token string, now time.Time) error {
	_, err := exec(ctx, r.DB, `
        UPDATE followups SET claim_token = NULL, claimed_at = NULL, updated_at = ?
        WHERE id = ? AND status = ? AND claim_token = ?`,
		utc(now), id, model.FollowupScheduled, token)
	if err != nil {
		return fmt.Errorf("releasing followup %d: %w", id, err)
	}
	return nil
}

func (r *FollowupRepository) MarkSent(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	return r.transition(ctx, id, model.FollowupSent, "sent_at = ?", []interface{}{utc(now)}, token, now)
}

func (r *FollowupRepository) MarkFailed(ctx context.Context, id int64, token, reason string, now time.Time) (bool, error) {
	return r.transition(ctx, id, model.FollowupFailed, "failed_at = ?, failure_reason = ?",
		[]interface{}{utc(now), model.TruncateReason(reason)}, token, now)
}

// Cancel with an empty token only touches an unclaimed follow-up; a claimed
// one belongs to the dispatcher holding the token.
func (r *FollowupRepository) Cancel(ctx context.Context, id int64, token, reason string, now time.Time) (bool, error) {
	return r.transition(ctx, id, model.FollowupCancelled, "cancelled_at = ?, cancellation_reason = ?",
		[]interface{}{utc(now), model.TruncateReason(reason)}, token, now)
}

// transition moves one follow-up out of scheduled. A non-empty token
// requires the caller to hold the claim, an empty one requires that nobody
// does.
func (r *FollowupRepository) transition(ctx context.Context, id int64, to model.FollowupStatus, set string, setArgs []interface{}, token string, now time.Time) (bool, error) {
	if !model.CanTransitionFollowup(model.FollowupScheduled, to) {
		return false, appErrors.NewInvalidTransition("followup", string(model.FollowupScheduled), string(to))
	}
	query := `UPDATE followups SET status = ?, updated_at = ?, ` + set + ` WHERE id = ? AND status = ?`
	args := append([]interface{}{to, utc(now)}, setArgs...)
	args = append(args, id, model.FollowupScheduled)
	if token != "" {
		query += ` AND claim_token = ?`
		args = append(args, token)
	} else {
		query += ` AND claim_token IS NULL`
	}
	n, err := exec(ctx, r.DB, query, args...)
	if err != nil {
		return false, fmt.Errorf("moving followup %d to %s: %w", id, to, err)
	}
	return n == 1, nil
}

// CancelScheduledForEmail cancels the email's unclaimed scheduled
// follow-ups. A claimed one is mid-send and ends as sent or failed.
func (r *FollowupRepository) CancelScheduledForEmail(ctx context.Context, emailID int64, reason string, now time.Time) (int64, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE followups
        SET status = ?, cancelled_at = ?, cancellation_reason = ?, updated_at = ?
        WHERE tracked_email_id = ? AND status = ? AND claim_token IS NULL`,
		model.FollowupCancelled, utc(now), model.TruncateReason(reason), utc(now),
		emailID, model.FollowupScheduled)
	if err != nil {
		return 0, fmt.Errorf("cancelling followups for email %d: %w", emailID, err)
	}
	return n, nil
}

// DelayScheduledForEmail pushes unclaimed scheduled follow-ups to until.
// Claimed rows are already in flight and are left alone.
func (r *FollowupRepository) DelayScheduledForEmail(ctx context.Context, emailID int64, until, now time.Time) (int64, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE followups SET scheduled_for = ?, updated_at = ?
        WHERE tracked_email_id = ? AND status = ? AND claim_token IS NULL`,
		utc(until), utc(now), emailID, model.FollowupScheduled)
	if err != nil {
		return 0, fmt.Errorf("delaying followups for email %d: %w", emailID, err)
	}
	return n, nil
}

// CancelForEmailStatus cancels unclaimed scheduled follow-ups whose email is
// in the given status.
func (r *FollowupRepository) CancelForEmailStatus(ctx context.Context, status model.EmailStatus, reason string, now time.Time) (int64, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE followups
        SET status = ?, cancelled_at = ?, cancellation_reason = ?, updated_at = ?
        WHERE status = ?
          AND claim_token IS NULL
          AND tracked_email_id IN (SELECT id FROM tracked_emails WHERE status = ?)`,
		model.FollowupCancelled, utc(now), model.TruncateReason(reason), utc(now),
		model.FollowupScheduled, status)
	if err != nil {
		return 0, fmt.Errorf("cancelling followups of %s emails: %w", status, err)
	}
	return n, nil
}

func (r *FollowupRepository) CancelScheduledBefore(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int64, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE followups
        SET status = ?, cancelled_at = ?, cancellation_reason = ?, updated_at = ?
        WHERE status = ? AND claim_token IS NULL AND scheduled_for < ?`,
		model.FollowupCancelled, utc(now), model.TruncateReason(reason), utc(now),
		model.FollowupScheduled, utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cancelling stale followups: %w", err)
	}
	return n, nil
}

// FailExpiredClaims closes follow-ups whose dispatcher died after claiming
// them. The send may or may not have happened, so they are never retried.
func (r *FollowupRepository) FailExpiredClaims(ctx context.Context, claimedBefore time.Time, reason string, now time.Time) (int64, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE followups
        SET status = ?, failed_at = ?, failure_reason = ?, updated_at = ?
        WHERE status = ? AND claim_token IS NOT NULL AND claimed_at < ?`,
		model.FollowupFailed, utc(now), model.TruncateReason(reason), utc(now),
		model.FollowupScheduled, utc(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("failing expired claims: %w", err)
	}
	return n, nil
}

var _ FollowupRepositoryInterface = (*FollowupRepository)(nil)
