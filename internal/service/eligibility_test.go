package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/service"
)

func ptr[T any](v T) *T { return &v }

func TestDecide(t *testing.T) {
	cfg := testConfig()
	email := model.TrackedEmail{ID: 1, Status: model.EmailPending, SentAt: T0}

	tests := []struct {
		name     string
		email    func(model.TrackedEmail) model.TrackedEmail
		history  service.History
		at       time.Duration
		eligible bool
		kind     service.ReferenceKind
	}{
		{name: "too early for step 1", at: 23 * time.Hour},
		{name: "step 1 after 24h", at: 25 * time.Hour, eligible: true, kind: service.ReferenceOriginal},
		{
			name:    "max sent",
			history: service.History{TotalSent: 3, LastSequence: 3, LastSentAt: ptr(T0)},
			at:      100 * time.Hour,
		},
		{
			name:    "daily cap",
			history: service.History{TotalSent: 1, SentToday: 1, LastSequence: 1, LastSentAt: ptr(T0)},
			at:      100 * time.Hour,
		},
		{
			name:    "sequence exhausted by cancelled rows",
			history: service.History{TotalSent: 1, LastSequence: 3, LastSentAt: ptr(T0)},
			at:      100 * time.Hour,
		},
		{
			name:  "bounced email excluded",
			email: func(e model.TrackedEmail) model.TrackedEmail { e.BounceType = ptr(model.BounceSoft); return e },
			at:    100 * time.Hour,
		},
		{name: "outside timeframe", at: 169 * time.Hour},
		{
			name:     "manual contact resets the clock",
			history:  service.History{LastManualContact: ptr(T0.Add(20 * time.Hour))},
			at:       30 * time.Hour,
			eligible: false,
		},
		{
			name:     "manual contact newer than automatic",
			history:  service.History{TotalSent: 1, LastSequence: 1, LastSentAt: ptr(T0.Add(25 * time.Hour)), LastManualContact: ptr(T0.Add(30 * time.Hour))},
			at:       79 * time.Hour,
			eligible: true,
			kind:     service.ReferenceManual,
		},
		{
			name:     "tie goes to automatic",
			history:  service.History{TotalSent: 1, LastSequence: 1, LastSentAt: ptr(T0.Add(25 * time.Hour)), LastManualContact: ptr(T0.Add(25 * time.Hour))},
			at:       74 * time.Hour,
			eligible: true,
			kind:     service.ReferenceAutomatic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := email
			if tt.email != nil {
				e = tt.email(e)
			}
			d := service.Decide(&cfg, e, tt.history, T0.Add(tt.at))
			if d.Eligible != tt.eligible {
				t.Fatalf("eligible = %v, want %v (reason %q)", d.Eligible, tt.eligible, d.Reason)
			}
			if tt.eligible && d.ReferenceKind != tt.kind {
				t.Errorf("reference kind = %s, want %s", d.ReferenceKind, tt.kind)
			}
		})
	}
}

// Walks the documented timeline through the whole time-slot trigger.
func TestTimeSlotScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "buyer@client.test", "Proposal", T0)

	steps := []struct {
		at        time.Duration
		scheduled int64
		sent      int
	}{
		{23 * time.Hour, 0, 0},
		{25 * time.Hour, 1, 1},
		{70 * time.Hour, 0, 0},
		{74 * time.Hour, 1, 1},
	}
	for _, s := range steps {
		f.clock.At(s.at)
		sum, err := f.engine.RunTimeSlot(ctx)
		if err != nil {
			t.Fatalf("T0+%v: RunTimeSlot: %v", s.at, err)
		}
		if sum.Details["scheduled"] != s.scheduled || sum.Sent != s.sent {
			t.Fatalf("T0+%v: scheduled=%d sent=%d, want %d/%d",
				s.at, sum.Details["scheduled"], sum.Sent, s.scheduled, s.sent)
		}
	}

	list, err := f.followups.ListByEmail(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 followups, got %d", len(list))
	}
	for i, fu := range list {
		if fu.FollowupNumber != i+1 || fu.Status != model.FollowupSent {
			t.Errorf("followup %d: number=%d status=%s", i, fu.FollowupNumber, fu.Status)
		}
	}
	if n := f.transport.CallCount(); n != 2 {
		t.Errorf("transport calls = %d, want 2", n)
	}
}

func TestEvaluatorNeverReturnsExhaustedEmails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mb := f.mailbox("sales@acme.test")
	done := f.email(mb, "done@client.test", "Done", T0)
	fresh := f.email(mb, "fresh@client.test", "Fresh", T0)

	for step := 1; step <= 3; step++ {
		fu := f.schedule(done, step, T0.Add(time.Duration(step)*time.Hour))
		f.markSent(fu, T0.Add(time.Duration(step)*time.Hour))
	}

	cfg := f.config()
	got, evaluated, err := f.engine.Evaluator.Evaluate(ctx, cfg, T0.Add(100*time.Hour), time.UTC)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if evaluated != 2 {
		t.Errorf("evaluated %d candidates, want 2", evaluated)
	}
	if len(got) != 1 || got[0].Email.ID != fresh.ID {
		t.Fatalf("expected only the fresh email, got %+v", got)
	}
}

func TestEvaluatorSkipsInactiveMailboxAndScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	off := f.mailbox("off@acme.test")
	on := f.mailbox("on@acme.test")
	f.email(off, "a@client.test", "A", T0)
	queued := f.email(on, "b@client.test", "B", T0)
	f.schedule(queued, 1, T0.Add(48*time.Hour))

	if _, err := f.mailboxes.Deactivate(ctx, off.ID, T0); err != nil {
		t.Fatal(err)
	}
	got, evaluated, err := f.engine.Evaluator.Evaluate(ctx, f.config(), T0.Add(30*time.Hour), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if evaluated != 0 || len(got) != 0 {
		t.Fatalf("expected no candidates, got %d evaluated / %d eligible", evaluated, len(got))
	}
}
