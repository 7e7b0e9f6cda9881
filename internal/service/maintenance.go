package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
)

const (
	ReasonOrphaned     = "email received response during maintenance check"
	ReasonStale        = "expired - not sent within window"
	ReasonClaimExpired = "claim lease expired"
)

const (
	DefaultStaleWindow = 7 * 24 * time.Hour
	DefaultEmailMaxAge = 30 * 24 * time.Hour
	DefaultClaimLease  = time.Hour
)

type MaintenanceResult struct {
	OrphansCancelled int64 `json:"orphans_cancelled"`
	StaleCancelled   int64 `json:"stale_cancelled"`
	ClaimsExpired    int64 `json:"claims_expired"`
	MaxReached       int64 `json:"max_reached"`
	Expired          int64 `json:"expired"`
}

// Mutations is the number of rows the run changed.
func (r MaintenanceResult) Mutations() int64 {
	return r.OrphansCancelled + r.StaleCancelled + r.ClaimsExpired + r.MaxReached + r.Expired
}

// MaintenanceService runs the reconciliation passes. Every pass is a
// status-guarded set update, so a second run with no state change in
// between touches nothing.
type MaintenanceService struct {
	Emails    repository.TrackedEmailRepositoryInterface
	Followups repository.FollowupRepositoryInterface
	Logger    *slog.Logger

	StaleFollowupWindow time.Duration
	EmailMaxAge         time.Duration
	ClaimLease          time.Duration
}

// Run executes every pass even if an earlier one fails; the failures are
// joined into the returned error.
func (m *MaintenanceService) Run(ctx context.Context, cfg *model.FollowupConfig, now time.Time) (MaintenanceResult, error) {
	logger := loggerOr(m.Logger)
	var res MaintenanceResult
	var errs []error

	pass := func(name string, fn func() (int64, error), into *int64) {
		n, err := fn()
		if err != nil {
			logger.Error("maintenance pass failed", "pass", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*into = n
		if n > 0 {
			logger.Info("maintenance pass applied", "pass", name, "rows", n)
		}
	}

	pass("orphan cancellation", func() (int64, error) {
		return m.Followups.CancelForEmailStatus(ctx, model.EmailResponded, ReasonOrphaned, now)
	}, &res.OrphansCancelled)

	pass("stale followup expiry", func() (int64, error) {
		return m.Followups.CancelScheduledBefore(ctx, now.Add(-durationOr(m.StaleFollowupWindow, DefaultStaleWindow)), ReasonStale, now)
	}, &res.StaleCancelled)

	pass("claim lease expiry", func() (int64, error) {
		return m.Followups.FailExpiredClaims(ctx, now.Add(-durationOr(m.ClaimLease, DefaultClaimLease)), ReasonClaimExpired, now)
	}, &res.ClaimsExpired)

	pass("max reached", func() (int64, error) {
		return m.Emails.MarkMaxReached(ctx, cfg.MaxFollowups, now)
	}, &res.MaxReached)

	pass("email expiry", func() (int64, error) {
		return m.Emails.ExpireSentBefore(ctx, now.Add(-durationOr(m.EmailMaxAge, DefaultEmailMaxAge)), now)
	}, &res.Expired)

	return res, errors.Join(errs...)
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
