package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/service"
)

func TestMaintenancePassesAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := T0.Add(40 * 24 * time.Hour)
	f.clock.At(40 * 24 * time.Hour)
	mb := f.mailbox("sales@acme.test")

	// Replied after its follow-up was scheduled.
	replied := f.email(mb, "replied@client.test", "A", now.Add(-48*time.Hour))
	orphan := f.schedule(replied, 1, now.Add(time.Hour))
	if _, err := f.emails.Transition(ctx, replied.ID, model.EmailPending, model.EmailResponded, now); err != nil {
		t.Fatal(err)
	}

	// Scheduled eight days ago and never sent.
	stuck := f.email(mb, "stuck@client.test", "B", now.Add(-9*24*time.Hour))
	stale := f.schedule(stuck, 1, now.Add(-8*24*time.Hour))

	// Claimed by a dispatcher that never came back.
	lost := f.email(mb, "lost@client.test", "C", now.Add(-72*time.Hour))
	abandoned := f.schedule(lost, 1, now.Add(-3*time.Hour))
	if ok, err := f.followups.Claim(ctx, abandoned.ID, "dead-worker", now.Add(-2*time.Hour)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Every follow-up already sent.
	exhausted := f.email(mb, "done@client.test", "D", now.Add(-6*24*time.Hour))
	for step := 1; step <= 3; step++ {
		at := now.Add(-time.Duration(6-step) * 24 * time.Hour)
		f.markSent(f.schedule(exhausted, step, at), at)
	}

	// Sent long ago with no resolution.
	old := f.email(mb, "old@client.test", "E", now.Add(-31*24*time.Hour))

	first, err := f.engine.RunMaintenance(ctx)
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	want := map[string]int64{
		"orphans_cancelled": 1,
		"stale_cancelled":   1,
		"claims_expired":    1,
		"max_reached":       1,
		"expired":           1,
	}
	if diff := cmp.Diff(want, first.Details); diff != "" {
		t.Errorf("first run mismatch (-want +got):\n%s", diff)
	}

	if got := f.followup(orphan.ID); got.Status != model.FollowupCancelled || deref(got.CancellationReason) != service.ReasonOrphaned {
		t.Errorf("orphan: %s %q", got.Status, deref(got.CancellationReason))
	}
	if got := f.followup(stale.ID); got.Status != model.FollowupCancelled || deref(got.CancellationReason) != service.ReasonStale {
		t.Errorf("stale: %s %q", got.Status, deref(got.CancellationReason))
	}
	if got := f.followup(abandoned.ID); got.Status != model.FollowupFailed {
		t.Errorf("abandoned claim: %s", got.Status)
	}
	if got := f.reload(exhausted); got.Status != model.EmailMaxReached {
		t.Errorf("exhausted email: %s", got.Status)
	}
	if got := f.reload(old); got.Status != model.EmailExpired {
		t.Errorf("old email: %s", got.Status)
	}

	second, err := f.engine.RunMaintenance(ctx)
	if err != nil {
		t.Fatalf("second RunMaintenance: %v", err)
	}
	if second.Processed != 0 {
		t.Errorf("second run mutated %d rows: %v", second.Processed, second.Details)
	}
}

func TestMaintenanceLeavesFreshWorkAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mb := f.mailbox("sales@acme.test")
	e := f.email(mb, "r@client.test", "Quote", T0)
	fu := f.schedule(e, 1, T0.Add(time.Hour))
	f.clock.At(2 * time.Hour)

	sum, err := f.engine.RunMaintenance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 0 {
		t.Fatalf("unexpected mutations %v", sum.Details)
	}
	if got := f.followup(fu.ID); got.Status != model.FollowupScheduled {
		t.Errorf("status = %s", got.Status)
	}
}

func TestMaintenanceClosesEmailWithExhaustedSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mb := f.mailbox("sales@acme.test")

	// Every step number used by cancelled follow-ups.
	spent := f.email(mb, "spent@client.test", "A", T0)
	for step := 1; step <= 3; step++ {
		fu := f.schedule(spent, step, T0.Add(time.Hour))
		if ok, err := f.followups.Cancel(ctx, fu.ID, "", "response received after scheduling", T0); err != nil || !ok {
			t.Fatalf("cancel step %d: ok=%v err=%v", step, ok, err)
		}
	}

	// Last step still waiting to go out.
	waiting := f.email(mb, "waiting@client.test", "B", T0)
	for step := 1; step <= 2; step++ {
		fu := f.schedule(waiting, step, T0.Add(time.Hour))
		if ok, err := f.followups.Cancel(ctx, fu.ID, "", "stopped", T0); err != nil || !ok {
			t.Fatalf("cancel step %d: ok=%v err=%v", step, ok, err)
		}
	}
	f.schedule(waiting, 3, T0.Add(time.Hour))

	sum, err := f.engine.RunMaintenance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Details["max_reached"] != 1 {
		t.Errorf("max_reached = %d, want 1", sum.Details["max_reached"])
	}
	if got := f.reload(spent); got.Status != model.EmailMaxReached {
		t.Errorf("spent email: %s", got.Status)
	}
	if got := f.reload(waiting); got.Status != model.EmailPending {
		t.Errorf("waiting email: %s", got.Status)
	}
}
