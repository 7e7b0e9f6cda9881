package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/service"
	"github.com/unclebandit/followup-engine/internal/testutil"
	"github.com/unclebandit/followup-engine/internal/transport/transporttest"
)

// T0 is a Monday morning.
var T0 = time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

// At moves the clock to T0 plus offset.
func (c *clock) At(offset time.Duration) { c.t = T0.Add(offset) }

type fixture struct {
	t         *testing.T
	db        *sqlx.DB
	clock     *clock
	transport *transporttest.Fake
	engine    *service.Engine

	emails    *repository.TrackedEmailRepository
	followups *repository.FollowupRepository
	responses *repository.ResponseRepository
	bounces   *repository.BounceRepository
	mailboxes *repository.MailboxRepository
	alerts    *repository.AlertRepository
}

func testConfig() model.FollowupConfig {
	cfg := model.DefaultFollowupConfig()
	cfg.BusinessHours.Enabled = false
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.NewTestDB(t)
	testutil.SeedConfig(t, conn, testConfig())

	f := &fixture{
		t:         t,
		db:        conn,
		clock:     &clock{t: T0},
		transport: &transporttest.Fake{},
		emails:    &repository.TrackedEmailRepository{DB: conn},
		followups: &repository.FollowupRepository{DB: conn},
		responses: &repository.ResponseRepository{DB: conn},
		bounces:   &repository.BounceRepository{DB: conn},
		mailboxes: &repository.MailboxRepository{DB: conn},
		alerts:    &repository.AlertRepository{DB: conn},
	}
	f.engine = service.NewEngine(conn, f.transport, service.EngineOptions{
		DispatchConcurrency: 2,
		Now:                 f.clock.Now,
	}, testutil.DiscardLogger())
	return f
}

func (f *fixture) config() *model.FollowupConfig {
	f.t.Helper()
	cfg, err := f.engine.Config.Get(context.Background())
	if err != nil {
		f.t.Fatalf("loading config: %v", err)
	}
	return cfg
}

func (f *fixture) saveConfig(cfg model.FollowupConfig) {
	f.t.Helper()
	testutil.SeedConfig(f.t, f.db, cfg)
}

func (f *fixture) mailbox(addr string) *model.Mailbox {
	return testutil.SeedMailbox(f.t, f.db, addr)
}

func (f *fixture) email(m *model.Mailbox, recipient, subject string, sentAt time.Time) *model.TrackedEmail {
	return testutil.SeedEmail(f.t, f.db, m, recipient, subject, sentAt)
}

// schedule inserts a scheduled follow-up for e.
func (f *fixture) schedule(e *model.TrackedEmail, step int, at time.Time) *model.Followup {
	f.t.Helper()
	fu := &model.Followup{
		TrackedEmailID: e.ID,
		FollowupNumber: step,
		ScheduledFor:   at,
		Subject:        "Re: " + e.Subject,
		Body:           "<p>ping</p>",
	}
	if err := f.followups.Create(context.Background(), fu); err != nil {
		f.t.Fatalf("scheduling followup: %v", err)
	}
	return fu
}

// markSent pushes a scheduled follow-up through claim and send.
func (f *fixture) markSent(fu *model.Followup, at time.Time) {
	f.t.Helper()
	ctx := context.Background()
	if ok, err := f.followups.Claim(ctx, fu.ID, "seed", at); err != nil || !ok {
		f.t.Fatalf("claiming followup %d: ok=%v err=%v", fu.ID, ok, err)
	}
	if ok, err := f.followups.MarkSent(ctx, fu.ID, "seed", at); err != nil || !ok {
		f.t.Fatalf("marking followup %d sent: ok=%v err=%v", fu.ID, ok, err)
	}
}

func (f *fixture) followup(id int64) *model.Followup {
	f.t.Helper()
	fu, err := f.followups.GetByID(context.Background(), id)
	if err != nil {
		f.t.Fatalf("loading followup %d: %v", id, err)
	}
	return fu
}

func (f *fixture) reload(e *model.TrackedEmail) *model.TrackedEmail {
	f.t.Helper()
	got, err := f.emails.GetByID(context.Background(), e.ID)
	if err != nil {
		f.t.Fatalf("loading email %d: %v", e.ID, err)
	}
	return got
}

func (f *fixture) reply(e *model.TrackedEmail) {
	f.t.Helper()
	r := &model.EmailResponse{TrackedEmailID: e.ID, FromAddress: e.RecipientEmail, ReceivedAt: f.clock.Now()}
	if err := f.responses.Create(context.Background(), r); err != nil {
		f.t.Fatalf("recording reply: %v", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
