package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/followup-engine/internal/db"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
)

// NewTestDB opens a file-backed sqlite database in a temp dir with all
// migrations applied. It is closed when the test completes.
func NewTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=foreign_keys(1)&_time_format=sqlite"
	conn, err := db.Open(context.Background(), db.DriverSQLite, dsn, DiscardLogger())
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("closing test db: %v", err)
		}
	})
	return conn
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SeedMailbox inserts an active mailbox.
func SeedMailbox(t *testing.T, conn *sqlx.DB, email string) *model.Mailbox {
	t.Helper()
	m := &model.Mailbox{Email: email, DisplayName: "Sales", IsActive: true}
	repo := &repository.MailboxRepository{DB: conn}
	if err := repo.Create(context.Background(), m); err != nil {
		t.Fatalf("seeding mailbox: %v", err)
	}
	return m
}

// SeedEmail inserts a pending tracked email sent from mailbox at sentAt.
func SeedEmail(t *testing.T, conn *sqlx.DB, mailbox *model.Mailbox, recipient, subject string, sentAt time.Time) *model.TrackedEmail {
	t.Helper()
	e := &model.TrackedEmail{
		MailboxID:         mailbox.ID,
		SenderEmail:       mailbox.Email,
		RecipientEmail:    recipient,
		Subject:           subject,
		ConversationID:    "conv-" + recipient,
		InternetMessageID: "<" + recipient + "@mail.test>",
		NativeMessageID:   "native-" + recipient,
		SentAt:            sentAt.UTC(),
	}
	repo := &repository.TrackedEmailRepository{DB: conn}
	if err := repo.Create(context.Background(), e); err != nil {
		t.Fatalf("seeding tracked email: %v", err)
	}
	return e
}

// SeedConfig stores cfg as the policy record.
func SeedConfig(t *testing.T, conn *sqlx.DB, cfg model.FollowupConfig) {
	t.Helper()
	repo := &repository.ConfigRepository{DB: conn}
	if err := repo.Save(context.Background(), &cfg, time.Now()); err != nil {
		t.Fatalf("seeding config: %v", err)
	}
}
