package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
)

// alertCooldown suppresses a repeat alert of the same type for a mailbox.
const alertCooldown = 24 * time.Hour

type MailboxHealthMonitor struct {
	Mailboxes repository.MailboxRepositoryInterface
	Alerts    repository.AlertRepositoryInterface
	Logger    *slog.Logger
}

// Classify maps a bounce rate to a health state. Below the minimum sample a
// mailbox is always healthy.
func Classify(policy model.BouncePolicy, sent int, rate float64) model.MailboxHealth {
	switch {
	case sent == 0 || sent < policy.MinSampleSize:
		return model.HealthHealthy
	case rate >= policy.AutoDisableThresholdPercent:
		return model.HealthCritical
	case rate >= policy.WarningThresholdPercent:
		return model.HealthWarning
	}
	return model.HealthHealthy
}

// Check recomputes one mailbox's bounce rate, stores its health and raises
// the matching alert. It reports whether the mailbox was disabled and how
// many alerts were created.
func (m *MailboxHealthMonitor) Check(ctx context.Context, cfg *model.FollowupConfig, mailboxID int64, now time.Time) (bool, int, error) {
	logger := loggerOr(m.Logger).With("mailbox_id", mailboxID)
	policy := cfg.Bounce

	window := policy.WindowDays
	if window <= 0 {
		window = 30
	}
	sent, bounced, err := m.Mailboxes.BounceStats(ctx, mailboxID, now.AddDate(0, 0, -window))
	if err != nil {
		return false, 0, err
	}
	rate := 0.0
	if sent > 0 {
		rate = float64(bounced) / float64(sent) * 100
	}

	health := Classify(policy, sent, rate)
	if err := m.Mailboxes.UpdateHealth(ctx, mailboxID, health, rate, now); err != nil {
		return false, 0, err
	}

	disabled, alerts := false, 0
	switch health {
	case model.HealthCritical:
		if policy.AutoDisableEnabled {
			if disabled, err = m.Mailboxes.Deactivate(ctx, mailboxID, now); err != nil {
				return false, 0, err
			}
			if disabled {
				logger.Warn("mailbox disabled for bounce rate", "bounce_rate", rate)
			}
		}
		msg := fmt.Sprintf("bounce rate %.1f%% reached auto-disable threshold %.1f%%", rate, policy.AutoDisableThresholdPercent)
		raised, err := m.raise(ctx, mailboxID, model.AlertBounceRateCritical, "critical", msg, rate, now)
		if err != nil {
			return disabled, 0, err
		}
		if raised {
			alerts++
		}
	case model.HealthWarning:
		msg := fmt.Sprintf("bounce rate %.1f%% reached warning threshold %.1f%%", rate, policy.WarningThresholdPercent)
		raised, err := m.raise(ctx, mailboxID, model.AlertBounceRateWarning, "warning", msg, rate, now)
		if err != nil {
			return false, 0, err
		}
		if raised {
			alerts++
		}
	}
	return disabled, alerts, nil
}

func (m *MailboxHealthMonitor) raise(ctx context.Context, mailboxID int64, typ model.AlertType, severity, msg string, rate float64, now time.Time) (bool, error) {
	recent, err := m.Alerts.CountSince(ctx, mailboxID, typ, now.Add(-alertCooldown))
	if err != nil {
		return false, err
	}
	if recent > 0 {
		return false, nil
	}
	a := &model.MailboxAlert{
		MailboxID:  mailboxID,
		AlertType:  typ,
		Severity:   severity,
		Message:    msg,
		BounceRate: rate,
		CreatedAt:  now,
	}
	if err := m.Alerts.Create(ctx, a); err != nil {
		return false, err
	}
	loggerOr(m.Logger).Warn("mailbox alert raised", "mailbox_id", mailboxID, "alert_type", typ, "bounce_rate", rate)
	return true, nil
}
