package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/followup-engine/internal/calendar"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/transport"
)

type Trigger string

const (
	TriggerTimeSlot    Trigger = "time_slot"
	TriggerBounceSweep Trigger = "bounce_sweep"
	TriggerMaintenance Trigger = "maintenance"
)

func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(s); t {
	case TriggerTimeSlot, TriggerBounceSweep, TriggerMaintenance:
		return t, nil
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

// Summary is what every trigger reports back.
type Summary struct {
	Trigger      Trigger          `json:"trigger"`
	Processed    int              `json:"processed"`
	Sent         int              `json:"sent"`
	Failed       int              `json:"failed"`
	Cancelled    int              `json:"cancelled"`
	Skipped      int              `json:"skipped"`
	SoftDisabled bool             `json:"soft_disabled"`
	Details      map[string]int64 `json:"details,omitempty"`
}

// Engine runs the three triggers. Each run reads the policy record once and
// passes that snapshot down.
type Engine struct {
	Config      repository.ConfigRepositoryInterface
	Evaluator   *EligibilityEvaluator
	Scheduler   *FollowupScheduler
	Dispatcher  *Dispatcher
	Bounces     *BounceReactor
	Maintenance *MaintenanceService
	Logger      *slog.Logger
	Now         func() time.Time
}

type EngineOptions struct {
	CandidateBatch      int
	DispatchBatch       int
	DispatchConcurrency int
	SendTimeout         time.Duration
	BounceBatch         int
	StaleFollowupWindow time.Duration
	EmailMaxAge         time.Duration
	ClaimLease          time.Duration
	Templates           *TemplateService
	Now                 func() time.Time
}

// NewEngine wires the repositories on conn into a ready Engine.
func NewEngine(conn *sqlx.DB, tr transport.Transport, opts EngineOptions, logger *slog.Logger) *Engine {
	logger = loggerOr(logger)
	emails := &repository.TrackedEmailRepository{DB: conn}
	followups := &repository.FollowupRepository{DB: conn}
	responses := &repository.ResponseRepository{DB: conn}

	return &Engine{
		Config: &repository.ConfigRepository{DB: conn},
		Evaluator: &EligibilityEvaluator{
			Emails:    emails,
			Followups: followups,
			Responses: responses,
			Logger:    logger,
			BatchSize: opts.CandidateBatch,
		},
		Scheduler: &FollowupScheduler{
			Followups: followups,
			Templates: opts.Templates,
			Logger:    logger,
		},
		Dispatcher: &Dispatcher{
			Followups:   followups,
			Replies:     responses,
			Transport:   tr,
			Logger:      logger,
			BatchSize:   opts.DispatchBatch,
			Concurrency: opts.DispatchConcurrency,
			SendTimeout: opts.SendTimeout,
			Now:         opts.Now,
		},
		Bounces: &BounceReactor{
			Bounces:   &repository.BounceRepository{DB: conn},
			Emails:    emails,
			Followups: followups,
			Health: &MailboxHealthMonitor{
				Mailboxes: &repository.MailboxRepository{DB: conn},
				Alerts:    &repository.AlertRepository{DB: conn},
				Logger:    logger,
			},
			Logger:    logger,
			BatchSize: opts.BounceBatch,
		},
		Maintenance: &MaintenanceService{
			Emails:              emails,
			Followups:           followups,
			Logger:              logger,
			StaleFollowupWindow: opts.StaleFollowupWindow,
			EmailMaxAge:         opts.EmailMaxAge,
			ClaimLease:          opts.ClaimLease,
		},
		Logger: logger,
		Now:    opts.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Run dispatches to the handler of the given trigger.
func (e *Engine) Run(ctx context.Context, t Trigger) (*Summary, error) {
	switch t {
	case TriggerTimeSlot:
		return e.RunTimeSlot(ctx)
	case TriggerBounceSweep:
		return e.RunBounceSweep(ctx)
	case TriggerMaintenance:
		return e.RunMaintenance(ctx)
	}
	return nil, fmt.Errorf("unknown trigger %q", t)
}

// snapshot loads the policy. A nil config with a nil error means the
// engine is switched off.
func (e *Engine) snapshot(ctx context.Context, t Trigger) (*model.FollowupConfig, error) {
	cfg, err := e.Config.Get(ctx)
	if err != nil {
		loggerOr(e.Logger).Error("cannot load followup config", "trigger", t, "error", err)
		return nil, err
	}
	if !cfg.Enabled {
		loggerOr(e.Logger).Info("followup engine disabled, skipping", "trigger", t)
		return nil, nil
	}
	return cfg, nil
}

// RunTimeSlot evaluates eligibility, schedules the approved follow-ups and
// dispatches everything that is due.
func (e *Engine) RunTimeSlot(ctx context.Context) (*Summary, error) {
	sum := &Summary{Trigger: TriggerTimeSlot, Details: map[string]int64{}}
	cfg, err := e.snapshot(ctx, TriggerTimeSlot)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		sum.SoftDisabled = true
		return sum, nil
	}

	adj, err := calendar.New(cfg.BusinessHours)
	if err != nil {
		return nil, err
	}

	now := e.now()
	candidates, evaluated, err := e.Evaluator.Evaluate(ctx, cfg, now, adj.Location())
	if err != nil {
		return nil, fmt.Errorf("evaluating eligibility: %w", err)
	}
	scheduled, conflicts, err := e.Scheduler.Schedule(ctx, candidates, adj, now)
	if err != nil {
		return nil, err
	}

	res, err := e.Dispatcher.Dispatch(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatching followups: %w", err)
	}

	sum.Processed = res.Processed
	sum.Sent = res.Sent
	sum.Failed = res.Failed
	sum.Cancelled = res.Cancelled
	sum.Skipped = res.Skipped + conflicts
	sum.Details["evaluated"] = int64(evaluated)
	sum.Details["eligible"] = int64(len(candidates))
	sum.Details["scheduled"] = int64(scheduled)
	sum.Details["schedule_conflicts"] = int64(conflicts)
	return sum, nil
}

func (e *Engine) RunBounceSweep(ctx context.Context) (*Summary, error) {
	sum := &Summary{Trigger: TriggerBounceSweep, Details: map[string]int64{}}
	cfg, err := e.snapshot(ctx, TriggerBounceSweep)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		sum.SoftDisabled = true
		return sum, nil
	}

	res, err := e.Bounces.Sweep(ctx, cfg, e.now())
	if err != nil {
		return nil, fmt.Errorf("sweeping bounces: %w", err)
	}
	sum.Processed = res.Processed
	sum.Cancelled = res.Cancelled
	sum.Skipped = res.Skipped + res.Errors
	sum.Details["matched"] = int64(res.Matched)
	sum.Details["unmatched"] = int64(res.Unmatched)
	sum.Details["hard_bounced"] = int64(res.HardBounced)
	sum.Details["escalated"] = int64(res.Escalated)
	sum.Details["soft_delayed"] = int64(res.SoftDelayed)
	sum.Details["errors"] = int64(res.Errors)
	sum.Details["mailboxes_disabled"] = int64(res.MailboxesDisabled)
	sum.Details["alerts_raised"] = int64(res.AlertsRaised)
	return sum, nil
}

func (e *Engine) RunMaintenance(ctx context.Context) (*Summary, error) {
	sum := &Summary{Trigger: TriggerMaintenance, Details: map[string]int64{}}
	cfg, err := e.snapshot(ctx, TriggerMaintenance)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		sum.SoftDisabled = true
		return sum, nil
	}

	res, err := e.Maintenance.Run(ctx, cfg, e.now())
	sum.Processed = int(res.Mutations())
	sum.Cancelled = int(res.OrphansCancelled + res.StaleCancelled)
	sum.Failed = int(res.ClaimsExpired)
	sum.Details["orphans_cancelled"] = res.OrphansCancelled
	sum.Details["stale_cancelled"] = res.StaleCancelled
	sum.Details["claims_expired"] = res.ClaimsExpired
	sum.Details["max_reached"] = res.MaxReached
	sum.Details["expired"] = res.Expired
	if err != nil {
		return sum, fmt.Errorf("running maintenance: %w", err)
	}
	return sum, nil
}
