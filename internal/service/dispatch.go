package service

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/transport"
)

const (
	ReasonReplyAfterScheduling = "response received after scheduling"
	ReasonReplyFinalCheck      = "response received during final safety check"
)

// ReplyChecker answers whether a reply record exists for a tracked email.
type ReplyChecker interface {
	HasResponse(ctx context.Context, emailID int64) (bool, error)
}

type DispatchResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
	outcomeCancelled
)

func (r *DispatchResult) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeFailed:
		r.Failed++
	case outcomeCancelled:
		r.Cancelled++
	default:
		r.Skipped++
	}
}

// Dispatcher delivers due follow-ups. Each item runs
// claim -> final reply check -> transport call -> record, in that order.
type Dispatcher struct {
	Followups   repository.FollowupRepositoryInterface
	Replies     ReplyChecker
	Transport   transport.Transport
	Logger      *slog.Logger
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
	Now         func() time.Time
	NewToken    func() string
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) token() string {
	if d.NewToken != nil {
		return d.NewToken()
	}
	return uuid.NewString()
}

// Dispatch sends one bounded batch of due follow-ups. Only a failure to read
// the batch is returned; per-item errors are logged and counted.
func (d *Dispatcher) Dispatch(ctx context.Context) (DispatchResult, error) {
	logger := loggerOr(d.Logger)
	var res DispatchResult

	due, err := d.Followups.ListDue(ctx, d.now(), batchOr(d.BatchSize, 25))
	if err != nil {
		return res, err
	}
	res.Processed = len(due)

	// First reply check, serially over the batch.
	ready := make([]model.DueFollowup, 0, len(due))
	for _, item := range due {
		replied, err := d.Replies.HasResponse(ctx, item.Email.ID)
		if err != nil {
			logger.Warn("reply check failed, skipping followup",
				"followup_id", item.Followup.ID, "tracked_email_id", item.Email.ID, "error", err)
			res.add(outcomeSkipped)
			continue
		}
		if replied {
			res.add(d.cancel(ctx, item, "", ReasonReplyAfterScheduling))
			continue
		}
		ready = append(ready, item)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchOr(d.Concurrency, 4))
	for _, item := range ready {
		g.Go(func() error {
			o := d.deliver(gctx, item)
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("dispatch finished",
		"processed", res.Processed, "sent", res.Sent, "failed", res.Failed,
		"cancelled", res.Cancelled, "skipped", res.Skipped)
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, item model.DueFollowup) outcome {
	logger := loggerOr(d.Logger).With("followup_id", item.Followup.ID, "tracked_email_id", item.Email.ID)

	token := d.token()
	claimed, err := d.Followups.Claim(ctx, item.Followup.ID, token, d.now())
	if err != nil {
		logger.Warn("claim failed", "error", err)
		return outcomeSkipped
	}
	if !claimed {
		logger.Debug("followup taken by another invocation")
		return outcomeSkipped
	}

	replied, err := d.Replies.HasResponse(ctx, item.Email.ID)
	if err != nil {
		logger.Warn("final reply check failed, releasing claim", "error", err)
		if err := d.Followups.Release(ctx, item.Followup.ID, token, d.now()); err != nil {
			logger.Error("release failed", "error", err)
		}
		return outcomeSkipped
	}
	if replied {
		return d.cancel(ctx, item, token, ReasonReplyFinalCheck)
	}

	if err := d.send(ctx, item, buildMessage(item)); err != nil {
		logger.Warn("followup delivery failed", "error", err)
		ok, merr := d.Followups.MarkFailed(ctx, item.Followup.ID, token, err.Error(), d.now())
		if merr != nil {
			logger.Error("recording failure", "error", merr)
		} else if !ok {
			logger.Warn("followup left scheduled state before failure was recorded")
		}
		return outcomeFailed
	}

	ok, err := d.Followups.MarkSent(ctx, item.Followup.ID, token, d.now())
	if err != nil {
		logger.Error("followup sent but not recorded", "error", err)
	} else if !ok {
		logger.Warn("followup sent after it left scheduled state")
	}
	logger.Info("followup sent", "step", item.Followup.FollowupNumber)
	return outcomeSent
}

// send prefers a threaded reply and falls back to a new message only when
// the provider definitively refused the reply.
func (d *Dispatcher) send(ctx context.Context, item model.DueFollowup, msg transport.Message) error {
	if native := item.Email.NativeMessageID; native != "" {
		err := d.call(ctx, func(ctx context.Context) error {
			return d.Transport.Reply(ctx, item.Mailbox.Email, native, msg)
		})
		if err == nil || !transport.IsRejected(err) {
			return err
		}
		loggerOr(d.Logger).Warn("reply rejected, sending as new message",
			"followup_id", item.Followup.ID, "error", err)
	}
	return d.call(ctx, func(ctx context.Context) error {
		return d.Transport.SendNew(ctx, item.Mailbox.Email, msg)
	})
}

func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	timeout := d.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// cancel closes a follow-up on a reply. token is empty before the claim, in
// which case a row another invocation claimed meanwhile is left to it.
func (d *Dispatcher) cancel(ctx context.Context, item model.DueFollowup, token, reason string) outcome {
	logger := loggerOr(d.Logger)
	ok, err := d.Followups.Cancel(ctx, item.Followup.ID, token, reason, d.now())
	if err != nil {
		logger.Warn("cancel failed", "followup_id", item.Followup.ID, "error", err)
		return outcomeSkipped
	}
	if !ok {
		return outcomeSkipped
	}
	logger.Info("followup cancelled", "followup_id", item.Followup.ID,
		"tracked_email_id", item.Email.ID, "reason", reason)
	return outcomeCancelled
}

func buildMessage(item model.DueFollowup) transport.Message {
	subject := item.Followup.Subject
	if subject == "" {
		subject = "Re: " + item.Email.Subject
	}
	correlation := item.Email.ConversationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	headers := []transport.Header{
		{Name: transport.HeaderFollowupStep, Value: strconv.Itoa(item.Followup.FollowupNumber)},
		{Name: transport.HeaderTrackedEmailID, Value: strconv.FormatInt(item.Email.ID, 10)},
		{Name: transport.HeaderFollowupID, Value: strconv.FormatInt(item.Followup.ID, 10)},
		{Name: transport.HeaderThreadCorrelation, Value: correlation},
	}
	if item.Email.InternetMessageID != "" {
		headers = append(headers, transport.Header{Name: transport.HeaderOriginalMessageID, Value: item.Email.InternetMessageID})
	}
	return transport.Message{
		To:       []string{item.Email.RecipientEmail},
		Subject:  subject,
		HTMLBody: item.Followup.Body,
		Headers:  headers,
	}
}
