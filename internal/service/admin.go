package service

import (
	"context"
	"log/slog"
	"time"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
)

// AdminService holds the operator actions on tracked emails.
type AdminService struct {
	Emails    repository.TrackedEmailRepositoryInterface
	Followups repository.FollowupRepositoryInterface
	Responses repository.ResponseRepositoryInterface
	Logger    *slog.Logger
	Now       func() time.Time
}

func (s *AdminService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Track registers an original email for follow-up surveillance.
func (s *AdminService) Track(ctx context.Context, e *model.TrackedEmail) error {
	e.Status = model.EmailPending
	if e.SentAt.IsZero() {
		e.SentAt = s.now()
	}
	return s.Emails.Create(ctx, e)
}

func (s *AdminService) Get(ctx context.Context, id int64) (*model.TrackedEmail, []model.Followup, error) {
	e, err := s.Emails.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.Followups.ListByEmail(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return e, f, nil
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

// List fetches tracked emails with pagination. page starts at 1 and
// pageSize is capped at 100.
func (s *AdminService) List(ctx context.Context, page, pageSize int, f repository.EmailFilter) ([]model.TrackedEmail, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	emails, total, err := s.Emails.List(ctx, (page-1)*pageSize, pageSize, f)
	if err != nil {
		return nil, Pagination{}, err
	}
	return emails, Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// Stop ends follow-ups for a pending email and cancels what is scheduled.
func (s *AdminService) Stop(ctx context.Context, id int64) (*model.TrackedEmail, error) {
	return s.finish(ctx, id, model.EmailStopped, "stopped by administrator")
}

// Resume moves a terminal email back to pending. It is the only way out of
// a terminal status.
func (s *AdminService) Resume(ctx context.Context, id int64) (*model.TrackedEmail, error) {
	e, err := s.Emails.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.Emails.Resume(ctx, id, e.Status, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewInvalidTransition("tracked_email", string(e.Status), string(model.EmailPending))
	}
	loggerOr(s.Logger).Info("tracked email resumed", "tracked_email_id", id, "from", e.Status)
	return s.Emails.GetByID(ctx, id)
}

// RecordResponse stores a reply and moves the email to responded. A reply
// for an email that already left pending is stored without a transition.
func (s *AdminService) RecordResponse(ctx context.Context, id int64, from string, receivedAt time.Time) (*model.TrackedEmail, error) {
	e, err := s.Emails.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	resp := &model.EmailResponse{TrackedEmailID: id, FromAddress: from, ReceivedAt: receivedAt}
	if err := s.Responses.Create(ctx, resp); err != nil {
		return nil, err
	}
	if e.Status != model.EmailPending {
		return e, nil
	}
	return s.finish(ctx, id, model.EmailResponded, "response received")
}

// RecordManualContact notes a hand-written message in the conversation. It
// resets the min-delay clock for the next follow-up.
func (s *AdminService) RecordManualContact(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.Emails.GetByID(ctx, id); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.Responses.CreateManualContact(ctx, &model.ManualContact{TrackedEmailID: id, ContactedAt: at})
}

func (s *AdminService) finish(ctx context.Context, id int64, to model.EmailStatus, reason string) (*model.TrackedEmail, error) {
	e, err := s.Emails.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ok, err := s.Emails.Transition(ctx, id, e.Status, to, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewInvalidTransition("tracked_email", string(e.Status), string(to))
	}
	n, err := s.Followups.CancelScheduledForEmail(ctx, id, reason, now)
	if err != nil {
		return nil, err
	}
	loggerOr(s.Logger).Info("tracked email closed", "tracked_email_id", id, "status", to, "cancelled", n)
	return s.Emails.GetByID(ctx, id)
}
