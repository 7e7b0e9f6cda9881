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

type TrackedEmailRepositoryInterface interface {
	Create(ctx context.Context, e *model.TrackedEmail) error
	GetByID(ctx context.Context, id int64) (*model.TrackedEmail, error)
	ListCandidates(ctx context.Context, sentAfter time.Time, limit int) ([]model.TrackedEmail, error)
	List(ctx context.Context, offset, limit int, f EmailFilter) ([]model.TrackedEmail, int, error)

	// Status transitions, each guarded by the expected current status.
	Transition(ctx context.Context, id int64, from, to model.EmailStatus, now time.Time) (bool, error)
	Resume(ctx context.Context, id int64, from model.EmailStatus, now time.Time) (bool, error)
	MarkBounced(ctx context.Context, id int64, d model.BounceDetails, now time.Time) (bool, error)
	RecordSoftBounce(ctx context.Context, id int64, expectedCount int, d model.BounceDetails, now time.Time) (bool, error)
	MarkMaxReached(ctx context.Context, maxFollowups int, now time.Time) (int64, error)
	ExpireSentBefore(ctx context.Context, cutoff, now time.Time) (int64, error)

	// Bounce matching
	FindPendingByRecipientsAndSubject(ctx context.Context, recipients []string, subject string) (*model.TrackedEmail, error)
	FindLatestPendingByRecipients(ctx context.Context, recipients []string) (*model.TrackedEmail, error)
	FindLatestPendingBySubject(ctx context.Context, subject string) (*model.TrackedEmail, error)
}

type TrackedEmailRepository struct {
	DB *sqlx.DB
}

var emailColumns = []string{
	"id", "mailbox_id", "sender_email", "recipient_email", "subject",
	"conversation_id", "internet_message_id", "native_message_id", "status",
	"bounce_type", "bounce_code", "bounce_reason", "bounce_count", "bounce_detected_at",
	"sent_at", "resumed_at", "created_at", "updated_at",
}

func (r *TrackedEmailRepository) Create(ctx context.Context, e *model.TrackedEmail) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = model.EmailPending
	}
	e.RecipientEmail = strings.ToLower(strings.TrimSpace(e.RecipientEmail))

	query := `
        INSERT INTO tracked_emails (
            mailbox_id, sender_email, recipient_email, subject,
            conversation_id, internet_message_id, native_message_id, status,
            bounce_count, sent_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `
	err := r.DB.QueryRowxContext(ctx, r.DB.Rebind(query),
		e.MailboxID, e.SenderEmail, e.RecipientEmail, e.Subject,
		e.ConversationID, e.InternetMessageID, e.NativeMessageID, e.Status,
		e.BounceCount, utc(e.SentAt), e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("creating tracked email: %w", err)
	}
	return nil
}

func (r *TrackedEmailRepository) GetByID(ctx context.Context, id int64) (*model.TrackedEmail, error) {
	query := `SELECT ` + strings.Join(emailColumns, ", ") + ` FROM tracked_emails WHERE id = ?`
	var e model.TrackedEmail
	if err := r.DB.GetContext(ctx, &e, r.DB.Rebind(query), id); err != nil {
		if isNoRows(err) {
			return nil, appErrors.NewTrackedEmailNotFound(id)
		}
		return nil, fmt.Errorf("getting tracked email %d: %w", id, err)
	}
	return &e, nil
}

// ListCandidates returns pending emails of active mailboxes that carry no
// bounce and have no scheduled follow-up, oldest first.
func (r *TrackedEmailRepository) ListCandidates(ctx context.Context, sentAfter time.Time, limit int) ([]model.TrackedEmail, error) {
	query := `
        SELECT ` + prefixed("te", emailColumns) + `
        FROM tracked_emails te
        JOIN mailboxes m ON m.id = te.mailbox_id
        WHERE te.status = ?
          AND m.is_active = ?
          AND te.bounce_type IS NULL
          AND te.sent_at >= ?
          AND NOT EXISTS (
              SELECT 1 FROM followups f
              WHERE f.tracked_email_id = te.id AND f.status = ?
          )
        ORDER BY te.sent_at ASC, te.id ASC
        LIMIT ?
    `
	emails := []model.TrackedEmail{}
	err := r.DB.SelectContext(ctx, &emails, r.DB.Rebind(query),
		model.EmailPending, true, utc(sentAfter), model.FollowupScheduled, limit)
	if err != nil {
		return nil, fmt.Errorf("listing eligibility candidates: %w", err)
	}
	return emails, nil
}

func (r *TrackedEmailRepository) Transition(ctx context.Context, id int64, from, to model.EmailStatus, now time.Time) (bool, error) {
	if !model.CanTransitionEmail(from, to) || from.Terminal() {
		return false, appErrors.NewInvalidTransition("tracked_email", string(from), string(to))
	}
	n, err := exec(ctx, r.DB,
		`UPDATE tracked_emails SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, utc(now), id, from)
	if err != nil {
		return false, fmt.Errorf("transitioning tracked email %d to %s: %w", id, to, err)
	}
	return n == 1, nil
}

// Resume is the only way out of a terminal status. Bounce metadata is
// cleared so the email becomes eligible again, and resumed_at marks where
// reply checks start counting.
func (r *TrackedEmailRepository) Resume(ctx context.Context, id int64, from model.EmailStatus, now time.Time) (bool, error) {
	if !from.Terminal() || !model.CanTransitionEmail(from, model.EmailPending) {
		return false, appErrors.NewInvalidTransition("tracked_email", string(from), string(model.EmailPending))
	}
	n, err := exec(ctx, r.DB, `
        UPDATE tracked_emails
        SET status = ?, bounce_type = NULL, bounce_code = NULL, bounce_reason = NULL,
            bounce_count = 0, bounce_detected_at = NULL, resumed_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`,
		model.EmailPending, utc(now), utc(now), id, from)
	if err != nil {
		return false, fmt.Errorf("resuming tracked email %d: %w", id, err)
	}
	return n == 1, nil
}

func (r *TrackedEmailRepository) MarkBounced(ctx context.Context, id int64, d model.BounceDetails, now time.Time) (bool, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE tracked_emails
        SET status = ?, bounce_type = ?, bounce_code = ?, bounce_reason = ?,
            bounce_count = bounce_count + 1, bounce_detected_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`,
		model.EmailBounced, d.Type, d.Code, model.TruncateReason(d.Reason), utc(d.DetectedAt), utc(now),
		id, model.EmailPending)
	if err != nil {
		return false, fmt.Errorf("marking tracked email %d bounced: %w", id, err)
	}
	return n == 1, nil
}

// RecordSoftBounce bumps the bounce counter only if it still equals
// expectedCount, so two sweeps cannot both spend the same retry.
func (r *TrackedEmailRepository) RecordSoftBounce(ctx context.Context, id int64, expectedCount int, d model.BounceDetails, now time.Time) (bool, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE tracked_emails
        SET bounce_type = ?, bounce_code = ?, bounce_reason = ?,
            bounce_count = bounce_count + 1, bounce_detected_at = ?, updated_at = ?
        WHERE id = ? AND status = ? AND bounce_count = ?`,
		d.Type, d.Code, model.TruncateReason(d.Reason), utc(d.DetectedAt), utc(now),
		id, model.EmailPending, expectedCount)
	if err != nil {
		return false, fmt.Errorf("recording soft bounce on tracked email %d: %w", id, err)
	}
	return n == 1, nil
}

// MarkMaxReached closes pending emails that sent every follow-up, and those
// whose step numbers are all used up by cancelled or failed follow-ups with
// nothing left scheduled.
func (r *TrackedEmailRepository) MarkMaxReached(ctx context.Context, maxFollowups int, now time.Time) (int64, error) {
	n, err := exec(ctx, r.DB, `
        UPDATE tracked_emails
        SET status = ?, updated_at = ?
        WHERE status = ?
          AND (
              (
                  SELECT COUNT(*) FROM followups f
                  WHERE f.tracked_email_id = tracked_emails.id AND f.status = ?
              ) >= ?
              OR (
                  (
                      SELECT COALESCE(MAX(f.followup_number), 0) FROM followups f
                      WHERE f.tracked_email_id = tracked_emails.id
                  ) >= ?
                  AND NOT EXISTS (
                      SELECT 1 FROM followups f
                      WHERE f.tracked_email_id = tracked_emails.id AND f.status = ?
                  )
              )
          )`,
		model.EmailMaxReached, utc(now), model.EmailPending,
		model.FollowupSent, maxFollowups, maxFollowups, model.FollowupScheduled)
	if err != nil {
		return 0, fmt.Errorf("flagging max_reached emails: %w", err)
	}
	return n, nil
}

func (r *TrackedEmailRepository) ExpireSentBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	n, err := exec(ctx, r.DB,
		`UPDATE tracked_emails SET status = ?, updated_at = ? WHERE status = ? AND sent_at < ?`,
		model.EmailExpired, utc(now), model.EmailPending, utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expiring stale emails: %w", err)
	}
	return n, nil
}

func (r *TrackedEmailRepository) FindPendingByRecipientsAndSubject(ctx context.Context, recipients []string, subject string) (*model.TrackedEmail, error) {
	if len(recipients) == 0 || subject == "" {
		return nil, nil
	}
	return r.findOne(ctx, `status = ? AND recipient_email IN (?) AND subject = ?`,
		model.EmailPending, normalizeAddresses(recipients), subject)
}

func (r *TrackedEmailRepository) FindLatestPendingByRecipients(ctx context.Context, recipients []string) (*model.TrackedEmail, error) {
	if len(recipients) == 0 {
		return nil, nil
	}
	return r.findOne(ctx, `status = ? AND recipient_email IN (?)`,
		model.EmailPending, normalizeAddresses(recipients))
}

func (r *TrackedEmailRepository) FindLatestPendingBySubject(ctx context.Context, subject string) (*model.TrackedEmail, error) {
	if subject == "" {
		return nil, nil
	}
	return r.findOne(ctx, `status = ? AND subject = ?`, model.EmailPending, subject)
}

// EmailFilter narrows List. Zero values match everything.
type EmailFilter struct {
	Status    model.EmailStatus
	MailboxID int64
}

func (f EmailFilter) where() (string, []interface{}) {
	clause := ` WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		clause += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.MailboxID != 0 {
		clause += ` AND mailbox_id = ?`
		args = append(args, f.MailboxID)
	}
	return clause, args
}

// List returns one page of tracked emails, newest first, with the total
// number of matching rows.
func (r *TrackedEmailRepository) List(ctx context.Context, offset, limit int, f EmailFilter) ([]model.TrackedEmail, int, error) {
	where, args := f.where()

	var total int
	if err := r.DB.GetContext(ctx, &total, r.DB.Rebind(`SELECT COUNT(*) FROM tracked_emails`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("counting tracked emails: %w", err)
	}

	query := `SELECT ` + strings.Join(emailColumns, ", ") + ` FROM tracked_emails` + where +
		` ORDER BY id DESC LIMIT ? OFFSET ?`
	emails := []model.TrackedEmail{}
	if err := r.DB.SelectContext(ctx, &emails, r.DB.Rebind(query), append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("listing tracked emails: %w", err)
	}
	return emails, total, nil
}

// findOne returns the most recently sent email matching where, or nil.
func (r *TrackedEmailRepository) findOne(ctx context.Context, where string, args ...interface{}) (*model.TrackedEmail, error) {
	query := `SELECT ` + strings.Join(emailColumns, ", ") + ` FROM tracked_emails WHERE ` + where +
		` ORDER BY sent_at DESC, id DESC LIMIT 1`
	q, expanded, err := inQuery(r.DB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("building match query: %w", err)
	}
	var e model.TrackedEmail
	if err := r.DB.GetContext(ctx, &e, q, expanded...); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("matching tracked email: %w", err)
	}
	return &e, nil
}

func normalizeAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			out = append(out, a)
		}
	}
	return out
}

var _ TrackedEmailRepositoryInterface = (*TrackedEmailRepository)(nil)
