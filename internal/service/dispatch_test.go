package service_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/service"
	"github.com/unclebandit/followup-engine/internal/transport"
	"github.com/unclebandit/followup-engine/internal/transport/transporttest"
)

func (f *fixture) dispatcher() *service.Dispatcher {
	d := *f.engine.Dispatcher
	return &d
}

func TestDispatchSendsThreadedReplyWithTraceHeaders(t *testing.T) {
	f := newFixture(t)
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "buyer@client.test", "Proposal", T0)
	fu := f.schedule(e, 1, T0.Add(-time.Hour))

	res, err := f.dispatcher().Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if diff := cmp.Diff(service.DispatchResult{Processed: 1, Sent: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	if len(f.transport.Calls) != 1 {
		t.Fatalf("expected one transport call, got %d", len(f.transport.Calls))
	}
	call := f.transport.Calls[0]
	if call.Kind != "reply" || call.NativeID != e.NativeMessageID || call.Mailbox != mb.Email {
		t.Errorf("unexpected call %+v", call)
	}
	wantHeaders := []transport.Header{
		{Name: transport.HeaderFollowupStep, Value: "1"},
		{Name: transport.HeaderTrackedEmailID, Value: strconv.FormatInt(e.ID, 10)},
		{Name: transport.HeaderFollowupID, Value: strconv.FormatInt(fu.ID, 10)},
		{Name: transport.HeaderThreadCorrelation, Value: e.ConversationID},
		{Name: transport.HeaderOriginalMessageID, Value: e.InternetMessageID},
	}
	if diff := cmp.Diff(wantHeaders, call.Message.Headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"buyer@client.test"}, call.Message.To); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}

	got := f.followup(fu.ID)
	if got.Status != model.FollowupSent || got.SentAt == nil || !got.SentAt.Equal(T0) {
		t.Errorf("followup not recorded as sent at T0: %+v", got)
	}
}

func TestDispatchCancelsWhenReplyArrivedAfterScheduling(t *testing.T) {
	f := newFixture(t)
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "buyer@client.test", "Proposal", T0)
	fu := f.schedule(e, 1, T0.Add(-time.Hour))
	f.reply(e)

	res, err := f.dispatcher().Dispatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Cancelled != 1 || res.Sent != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	got := f.followup(fu.ID)
	if got.Status != model.FollowupCancelled || deref(got.CancellationReason) != service.ReasonReplyAfterScheduling {
		t.Errorf("got status %s reason %q", got.Status, deref(got.CancellationReason))
	}
	if f.transport.CallCount() != 0 {
		t.Error("transport must not be called")
	}
}

// replyOnSecondCheck reports a reply from the second check onwards, as if it
// landed between the two checks.
type replyOnSecondCheck struct {
	mu    sync.Mutex
	calls map[int64]int
}

func (r *replyOnSecondCheck) HasResponse(ctx context.Context, emailID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[emailID]++
	return r.calls[emailID] > 1, nil
}

func TestDispatchFinalSafetyCheck(t *testing.T) {
	f := newFixture(t)
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "buyer@client.test", "Proposal", T0)
	fu := f.schedule(e, 1, T0.Add(-time.Hour))

	d := f.dispatcher()
	d.Replies = &replyOnSecondCheck{calls: map[int64]int{}}
	res, err := d.Dispatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Cancelled != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got := f.followup(fu.ID)
	if deref(got.CancellationReason) != service.ReasonReplyFinalCheck {
		t.Errorf("reason = %q", deref(got.CancellationReason))
	}
	if f.transport.CallCount() != 0 {
		t.Error("transport must not be called")
	}
}

// claimedBeforeCheck lets another invocation claim the follow-up after this
// batch was listed, then reports a reply.
type claimedBeforeCheck struct {
	followups *repository.FollowupRepository
	id        int64
}

func (c *claimedBeforeCheck) HasResponse(ctx context.Context, emailID int64) (bool, error) {
	if _, err := c.followups.Claim(ctx, c.id, "other-worker", T0); err != nil {
		return false, err
	}
	return true, nil
}

func TestDispatchLeavesFollowupClaimedElsewhere(t *testing.T) {
	f := newFixture(t)
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "buyer@client.test", "Proposal", T0)
	fu := f.schedule(e, 1, T0.Add(-time.Hour))

	d := f.dispatcher()
	d.Replies = &claimedBeforeCheck{followups: f.followups, id: fu.ID}
	res, err := d.Dispatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Cancelled != 0 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got := f.followup(fu.ID)
	if got.Status != model.FollowupScheduled || deref(got.ClaimToken) != "other-worker" {
		t.Errorf("in-flight followup was touched: status %s token %q", got.Status, deref(got.ClaimToken))
	}
}

func TestDispatchTransportFailures(t *testing.T) {
	long := strings.Repeat("x", 800)
	tests := []struct {
		name       string
		replyErr   error
		sendErr    error
		wantStatus model.FollowupStatus
		wantKinds  []string
		wantReason string
	}{
		{
			name:       "network error is not retried as new message",
			replyErr:   errors.New("connection reset"),
			wantStatus: model.FollowupFailed,
			wantKinds:  []string{"reply"},
			wantReason: "connection reset",
		},
		{
			name:       "server error fails",
			replyErr:   &transport.Error{StatusCode: 503, Body: "busy"},
			wantStatus: model.FollowupFailed,
			wantKinds:  []string{"reply"},
			wantReason: "transport returned 503: busy",
		},
		{
			name:       "throttled reply is not retried as new message",
			replyErr:   &transport.Error{StatusCode: 429, Body: "slow down"},
			wantStatus: model.FollowupFailed,
			wantKinds:  []string{"reply"},
			wantReason: "transport returned 429: slow down",
		},
		{
			name:       "rejected reply falls back to new message",
			replyErr:   &transport.Error{StatusCode: 404, Body: "message not found"},
			wantStatus: model.FollowupSent,
			wantKinds:  []string{"reply", "new"},
		},
		{
			name:       "fallback failure is recorded",
			replyErr:   &transport.Error{StatusCode: 400, Body: "bad"},
			sendErr:    errors.New(long),
			wantStatus: model.FollowupFailed,
			wantKinds:  []string{"reply", "new"},
			wantReason: long[:model.MaxReasonLength],
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.transport.ReplyErr = tt.replyErr
			f.transport.SendErr = tt.sendErr
			mb := f.mailbox("sales@acme.test")
			e := f.email(mb, "buyer@client.test", "Proposal", T0)
			fu := f.schedule(e, 1, T0.Add(-time.Hour))

			if _, err := f.dispatcher().Dispatch(context.Background()); err != nil {
				t.Fatal(err)
			}
			got := f.followup(fu.ID)
			if got.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if deref(got.FailureReason) != tt.wantReason {
				t.Errorf("reason = %q, want %q", deref(got.FailureReason), tt.wantReason)
			}
			var kinds []string
			for _, c := range f.transport.Calls {
				kinds = append(kinds, c.Kind)
			}
			if diff := cmp.Diff(tt.wantKinds, kinds); diff != "" {
				t.Errorf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDispatchWithoutNativeIDSendsNew(t *testing.T) {
	f := newFixture(t)
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "buyer@client.test", "Proposal", T0)
	if _, err := f.db.Exec(`UPDATE tracked_emails SET native_message_id = '' WHERE id = ?`, e.ID); err != nil {
		t.Fatal(err)
	}
	f.schedule(e, 1, T0.Add(-time.Hour))

	if _, err := f.dispatcher().Dispatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.transport.Calls) != 1 || f.transport.Calls[0].Kind != "new" {
		t.Fatalf("expected a single new message, got %+v", f.transport.Calls)
	}
}

// A reply that lands while the provider call is in flight cannot be caught.
// The follow-up is recorded as sent.
func TestDispatchResidualRaceEndsSent(t *testing.T) {
	f := newFixture(t)
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "buyer@client.test", "Proposal", T0)
	fu := f.schedule(e, 1, T0.Add(-time.Hour))
	f.transport.OnSend = func(transporttest.Call) { f.reply(e) }

	res, err := f.dispatcher().Dispatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.followup(fu.ID); got.Status != model.FollowupSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestDispatchSkipsClaimedAndFutureFollowups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mb := f.mailbox("sales@acme.test")
	claimed := f.schedule(f.email(mb, "a@client.test", "A", T0), 1, T0.Add(-time.Hour))
	f.schedule(f.email(mb, "b@client.test", "B", T0), 1, T0.Add(time.Hour))

	if ok, err := f.followups.Claim(ctx, claimed.ID, "other-worker", T0); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	res, err := f.dispatcher().Dispatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 || f.transport.CallCount() != 0 {
		t.Fatalf("expected nothing dispatched, got %+v", res)
	}
}

func TestDispatchIgnoresNonPendingEmails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "buyer@client.test", "Proposal", T0)
	fu := f.schedule(e, 1, T0.Add(-time.Hour))
	if _, err := f.emails.Transition(ctx, e.ID, model.EmailPending, model.EmailStopped, T0); err != nil {
		t.Fatal(err)
	}

	res, err := f.dispatcher().Dispatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Fatalf("expected empty batch, got %+v", res)
	}
	if got := f.followup(fu.ID); got.Status != model.FollowupScheduled {
		t.Errorf("pre-flight filter must not mutate, got %s", got.Status)
	}
}

func TestDispatchConcurrentBatch(t *testing.T) {
	f := newFixture(t)
	mb := f.mailbox("sales@acme.test")
	for i := 0; i < 6; i++ {
		e := f.email(mb, "buyer"+strconv.Itoa(i)+"@client.test", "Proposal", T0)
		f.schedule(e, 1, T0.Add(-time.Hour))
	}
	d := f.dispatcher()
	d.Concurrency = 3
	d.BatchSize = 4

	res, err := d.Dispatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 4 || res.Sent != 4 {
		t.Fatalf("first batch: %+v", res)
	}
	res, err = d.Dispatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 2 || f.transport.CallCount() != 6 {
		t.Fatalf("second batch: %+v, calls %d", res, f.transport.CallCount())
	}
}
