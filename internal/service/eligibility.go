package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
)

// ReferenceKind names the activity the min-delay rule was measured from.
type ReferenceKind string

const (
	ReferenceOriginal  ReferenceKind = "original"
	ReferenceAutomatic ReferenceKind = "automatic"
	ReferenceManual    ReferenceKind = "manual"
)

// History is the follow-up activity of one tracked email.
type History struct {
	TotalSent         int
	SentToday         int
	LastSequence      int
	LastSentAt        *time.Time
	LastManualContact *time.Time
}

type Decision struct {
	Eligible      bool
	NextStep      int
	Reference     time.Time
	ReferenceKind ReferenceKind
	Reason        string
}

// Candidate is an email approved for its next follow-up.
type Candidate struct {
	Email    model.TrackedEmail
	NextStep int
	Decision Decision
}

// Decide applies the eligibility rules to one email. It has no side effects.
func Decide(cfg *model.FollowupConfig, email model.TrackedEmail, h History, now time.Time) Decision {
	d := Decision{NextStep: h.LastSequence + 1}

	if email.BounceType != nil {
		d.Reason = "email has bounced"
		return d
	}
	if email.Status != model.EmailPending {
		d.Reason = "email is " + string(email.Status)
		return d
	}
	if h.TotalSent >= cfg.MaxFollowups {
		d.Reason = "max followups reached"
		return d
	}
	if h.SentToday >= cfg.MaxPerDay {
		d.Reason = "daily followup cap reached"
		return d
	}
	if d.NextStep > cfg.MaxFollowups {
		d.Reason = "followup sequence exhausted"
		return d
	}

	d.Reference, d.ReferenceKind = email.SentAt, ReferenceOriginal
	if h.LastSentAt != nil {
		d.Reference, d.ReferenceKind = *h.LastSentAt, ReferenceAutomatic
	}
	// Automatic activity wins a tie with manual contact.
	if h.LastManualContact != nil && (h.LastSentAt == nil || h.LastManualContact.After(*h.LastSentAt)) {
		d.Reference, d.ReferenceKind = *h.LastManualContact, ReferenceManual
	}

	if hoursSince(d.Reference, now) < cfg.MinDelayFor(d.NextStep) {
		d.Reason = "min delay not elapsed since " + string(d.ReferenceKind) + " activity"
		return d
	}
	if hoursSince(email.SentAt, now) > cfg.TotalTimeframeHours {
		d.Reason = "outside total timeframe"
		return d
	}

	d.Eligible = true
	return d
}

func hoursSince(t, now time.Time) float64 {
	return now.Sub(t).Hours()
}

// EligibilityEvaluator lists the emails that may receive their next
// follow-up in this time slot.
type EligibilityEvaluator struct {
	Emails    repository.TrackedEmailRepositoryInterface
	Followups repository.FollowupRepositoryInterface
	Responses repository.ResponseRepositoryInterface
	Logger    *slog.Logger
	BatchSize int
}

// Evaluate reads candidates and their history and returns those Decide
// approves. Day boundaries for the per-day cap are taken in loc. A history
// read failure skips only that candidate.
func (e *EligibilityEvaluator) Evaluate(ctx context.Context, cfg *model.FollowupConfig, now time.Time, loc *time.Location) ([]Candidate, int, error) {
	logger := loggerOr(e.Logger)
	if loc == nil {
		loc = time.UTC
	}

	sentAfter := now.Add(-time.Duration(cfg.TotalTimeframeHours * float64(time.Hour)))
	emails, err := e.Emails.ListCandidates(ctx, sentAfter, batchOr(e.BatchSize, 500))
	if err != nil {
		return nil, 0, err
	}

	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var out []Candidate
	for _, email := range emails {
		h, err := e.history(ctx, email.ID, dayStart)
		if err != nil {
			logger.Warn("skipping candidate, history read failed",
				"tracked_email_id", email.ID, "error", err)
			continue
		}
		d := Decide(cfg, email, h, now)
		if !d.Eligible {
			logger.Debug("not eligible", "tracked_email_id", email.ID, "reason", d.Reason)
			continue
		}
		out = append(out, Candidate{Email: email, NextStep: d.NextStep, Decision: d})
	}
	return out, len(emails), nil
}

func (e *EligibilityEvaluator) history(ctx context.Context, emailID int64, dayStart time.Time) (History, error) {
	p, err := e.Followups.Progress(ctx, emailID, dayStart)
	if err != nil {
		return History{}, err
	}
	manual, err := e.Responses.LatestManualContact(ctx, emailID)
	if err != nil {
		return History{}, err
	}
	return History{
		TotalSent:         p.TotalSent,
		SentToday:         p.SentToday,
		LastSequence:      p.LastSequence,
		LastSentAt:        p.LastSentAt,
		LastManualContact: manual,
	}, nil
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func batchOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
