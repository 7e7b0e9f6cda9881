package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/unclebandit/followup-engine/internal/calendar"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
)

// FollowupScheduler turns approved candidates into scheduled follow-ups.
type FollowupScheduler struct {
	Followups repository.FollowupRepositoryInterface
	Templates *TemplateService
	Logger    *slog.Logger
}

// Schedule creates one follow-up per candidate at the first business-hours
// slot at or after now. An insert conflict means another invocation already
// scheduled that email; it is logged and counted as skipped.
func (s *FollowupScheduler) Schedule(ctx context.Context, candidates []Candidate, adj *calendar.Adjuster, now time.Time) (int, int, error) {
	logger := loggerOr(s.Logger)
	templates := s.Templates
	if templates == nil {
		templates = NewTemplateService()
	}

	when, err := adj.Adjust(now)
	if err != nil {
		return 0, 0, err
	}

	scheduled, skipped := 0, 0
	for _, c := range candidates {
		subject, body := templates.Render(c.NextStep, c.Email)
		f := &model.Followup{
			TrackedEmailID: c.Email.ID,
			FollowupNumber: c.NextStep,
			ScheduledFor:   when,
			Subject:        subject,
			Body:           body,
		}
		if err := s.Followups.Create(ctx, f); err != nil {
			logger.Warn("could not schedule followup",
				"tracked_email_id", c.Email.ID, "step", c.NextStep, "error", err)
			skipped++
			continue
		}
		logger.Info("followup scheduled",
			"followup_id", f.ID, "tracked_email_id", c.Email.ID,
			"step", c.NextStep, "scheduled_for", f.ScheduledFor)
		scheduled++
	}
	return scheduled, skipped, nil
}
