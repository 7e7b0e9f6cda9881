package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
)

type BounceResult struct {
	Processed   int `json:"processed"`
	Matched     int `json:"matched"`
	Unmatched   int `json:"unmatched"`
	HardBounced int `json:"hard_bounced"`
	Escalated   int `json:"escalated"`
	SoftDelayed int `json:"soft_delayed"`
	Cancelled   int `json:"cancelled"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`

	MailboxesDisabled int `json:"mailboxes_disabled"`
	AlertsRaised      int `json:"alerts_raised"`
}

// BounceReactor links unprocessed bounces to tracked emails and applies the
// bounce policy to them.
type BounceReactor struct {
	Bounces   repository.BounceRepositoryInterface
	Emails    repository.TrackedEmailRepositoryInterface
	Followups repository.FollowupRepositoryInterface
	Health    *MailboxHealthMonitor
	Logger    *slog.Logger
	BatchSize int
}

// Sweep processes one batch in detection order, then re-evaluates the health
// of every mailbox the batch touched.
func (r *BounceReactor) Sweep(ctx context.Context, cfg *model.FollowupConfig, now time.Time) (BounceResult, error) {
	logger := loggerOr(r.Logger)
	var res BounceResult

	bounces, err := r.Bounces.ListUnprocessed(ctx, batchOr(r.BatchSize, 50))
	if err != nil {
		return res, err
	}

	touched := map[int64]struct{}{}
	var order []int64
	for _, b := range bounces {
		blog := logger.With("bounce_id", b.ID)

		email, err := r.match(ctx, b)
		if err != nil {
			// Left unprocessed for the next sweep.
			blog.Warn("bounce match failed", "error", err)
			res.Errors++
			continue
		}
		if email != nil && b.TrackedEmailID == nil {
			if err := r.Bounces.Link(ctx, b.ID, email.ID); err != nil {
				blog.Warn("bounce link failed", "tracked_email_id", email.ID, "error", err)
				res.Errors++
				continue
			}
		}

		taken, err := r.Bounces.MarkProcessed(ctx, b.ID, now)
		if err != nil {
			blog.Warn("marking bounce processed failed", "error", err)
			res.Errors++
			continue
		}
		if !taken {
			res.Skipped++
			continue
		}
		res.Processed++

		if email == nil {
			blog.Info("bounce matched no tracked email")
			res.Unmatched++
			continue
		}
		res.Matched++
		if _, seen := touched[email.MailboxID]; !seen {
			touched[email.MailboxID] = struct{}{}
			order = append(order, email.MailboxID)
		}
		if err := r.react(ctx, cfg, b, email, now, &res); err != nil {
			blog.Error("bounce reaction failed", "tracked_email_id", email.ID, "error", err)
			res.Errors++
		}
	}

	if r.Health != nil {
		for _, id := range order {
			disabled, alerts, err := r.Health.Check(ctx, cfg, id, now)
			if err != nil {
				logger.Warn("mailbox health check failed", "mailbox_id", id, "error", err)
				res.Errors++
				continue
			}
			if disabled {
				res.MailboxesDisabled++
			}
			res.AlertsRaised += alerts
		}
	}

	logger.Info("bounce sweep finished",
		"processed", res.Processed, "matched", res.Matched, "unmatched", res.Unmatched,
		"hard", res.HardBounced, "soft_delayed", res.SoftDelayed, "errors", res.Errors)
	return res, nil
}

// match resolves the tracked email of a bounce. The strategies run in order
// and the first hit wins; ties go to the most recently sent email.
func (r *BounceReactor) match(ctx context.Context, b model.Bounce) (*model.TrackedEmail, error) {
	if b.TrackedEmailID != nil {
		e, err := r.Emails.GetByID(ctx, *b.TrackedEmailID)
		if errors.Is(err, appErrors.ErrNotFound) {
			return nil, nil
		}
		return e, err
	}
	if len(b.FailedRecipients) > 0 && b.OriginalSubject != "" {
		e, err := r.Emails.FindPendingByRecipientsAndSubject(ctx, b.FailedRecipients, b.OriginalSubject)
		if err != nil || e != nil {
			return e, err
		}
	}
	if len(b.FailedRecipients) > 0 {
		e, err := r.Emails.FindLatestPendingByRecipients(ctx, b.FailedRecipients)
		if err != nil || e != nil {
			return e, err
		}
	}
	if b.OriginalSubject != "" {
		return r.Emails.FindLatestPendingBySubject(ctx, b.OriginalSubject)
	}
	return nil, nil
}

func (r *BounceReactor) react(ctx context.Context, cfg *model.FollowupConfig, b model.Bounce, email *model.TrackedEmail, now time.Time, res *BounceResult) error {
	logger := loggerOr(r.Logger).With("bounce_id", b.ID, "tracked_email_id", email.ID)
	details := model.BounceDetails{Type: b.BounceType, Code: b.BounceCode, Reason: b.BounceReason, DetectedAt: b.DetectedAt}

	// A count that moved under us means another sweep recorded a bounce;
	// reload once and decide again.
	for attempt := 0; attempt < 2; attempt++ {
		if email.Status != model.EmailPending {
			logger.Info("tracked email no longer pending, no reaction", "status", email.Status)
			return nil
		}

		hard := cfg.Bounce.TreatAllAsHard || b.BounceType == model.BounceHard
		escalated := !hard && email.BounceCount >= cfg.Bounce.SoftBounceRetryLimit
		if hard || escalated {
			if escalated {
				details.Type = model.BounceHard
				res.Escalated++
			}
			return r.stop(ctx, email, details, now, res)
		}

		ok, err := r.Emails.RecordSoftBounce(ctx, email.ID, email.BounceCount, details, now)
		if err != nil {
			return err
		}
		if ok {
			until := now.Add(time.Duration(cfg.Bounce.SoftBounceDelayHours * float64(time.Hour)))
			n, err := r.Followups.DelayScheduledForEmail(ctx, email.ID, until, now)
			if err != nil {
				return err
			}
			logger.Info("soft bounce recorded",
				"bounce_count", email.BounceCount+1, "delayed", n, "until", until)
			res.SoftDelayed++
			return nil
		}

		if email, err = r.Emails.GetByID(ctx, email.ID); err != nil {
			return err
		}
	}
	logger.Warn("bounce counter kept changing, giving up on this bounce")
	return nil
}

func (r *BounceReactor) stop(ctx context.Context, email *model.TrackedEmail, details model.BounceDetails, now time.Time, res *BounceResult) error {
	logger := loggerOr(r.Logger).With("tracked_email_id", email.ID)

	ok, err := r.Emails.MarkBounced(ctx, email.ID, details, now)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("tracked email left pending before bounce was applied")
		return nil
	}
	res.HardBounced++

	reason := "cancelled due to " + string(details.Type) + " bounce"
	if details.Code != "" {
		reason += " (" + details.Code + ")"
	}
	n, err := r.Followups.CancelScheduledForEmail(ctx, email.ID, reason, now)
	if err != nil {
		return err
	}
	res.Cancelled += int(n)
	logger.Info("tracked email bounced", "bounce_type", details.Type, "cancelled", n)
	return nil
}
