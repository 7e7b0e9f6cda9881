package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// migration holds a single schema migration with its target version and SQL.
// The SQL uses {{id}}, {{ts}} and {{bool}} for the dialect specific types.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS app_config (
	config_key TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS mailboxes (
	id                {{id}},
	email             TEXT NOT NULL UNIQUE,
	display_name      TEXT NOT NULL DEFAULT '',
	is_active         {{bool}} NOT NULL DEFAULT TRUE,
	bounce_health     TEXT NOT NULL DEFAULT 'healthy',
	bounce_rate       DOUBLE PRECISION NOT NULL DEFAULT 0,
	health_checked_at {{ts}},
	created_at        {{ts}} NOT NULL,
	updated_at        {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_emails (
	id                  {{id}},
	mailbox_id          BIGINT NOT NULL REFERENCES mailboxes(id),
	sender_email        TEXT NOT NULL,
	recipient_email     TEXT NOT NULL,
	subject             TEXT NOT NULL DEFAULT '',
	conversation_id     TEXT NOT NULL DEFAULT '',
	internet_message_id TEXT NOT NULL DEFAULT '',
	native_message_id   TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'pending',
	bounce_type         TEXT,
	bounce_code         TEXT,
	bounce_reason       TEXT,
	bounce_count        INTEGER NOT NULL DEFAULT 0,
	bounce_detected_at  {{ts}},
	sent_at             {{ts}} NOT NULL,
	created_at          {{ts}} NOT NULL,
	updated_at          {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS followups (
	id                  {{id}},
	tracked_email_id    BIGINT NOT NULL REFERENCES tracked_emails(id),
	followup_number     INTEGER NOT NULL,
	scheduled_for       {{ts}} NOT NULL,
	status              TEXT NOT NULL DEFAULT 'scheduled',
	subject             TEXT NOT NULL DEFAULT '',
	body                TEXT NOT NULL DEFAULT '',
	sent_at             {{ts}},
	cancelled_at        {{ts}},
	failed_at           {{ts}},
	failure_reason      TEXT,
	cancellation_reason TEXT,
	claim_token         TEXT,
	claimed_at          {{ts}},
	created_at          {{ts}} NOT NULL,
	updated_at          {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS bounces (
	id                {{id}},
	tracked_email_id  BIGINT REFERENCES tracked_emails(id),
	bounce_type       TEXT NOT NULL DEFAULT 'unknown',
	bounce_code       TEXT NOT NULL DEFAULT '',
	bounce_reason     TEXT NOT NULL DEFAULT '',
	failed_recipients TEXT NOT NULL DEFAULT '',
	original_subject  TEXT NOT NULL DEFAULT '',
	detected_at       {{ts}} NOT NULL,
	processed         {{bool}} NOT NULL DEFAULT FALSE,
	processed_at      {{ts}},
	created_at        {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS email_responses (
	id               {{id}},
	tracked_email_id BIGINT NOT NULL REFERENCES tracked_emails(id),
	from_address     TEXT NOT NULL DEFAULT '',
	received_at      {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS manual_contacts (
	id               {{id}},
	tracked_email_id BIGINT NOT NULL REFERENCES tracked_emails(id),
	contacted_at     {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_alerts (
	id          {{id}},
	mailbox_id  BIGINT NOT NULL REFERENCES mailboxes(id),
	alert_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	bounce_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  {{ts}} NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_followups_sequence
	ON followups(tracked_email_id, followup_number);
CREATE UNIQUE INDEX IF NOT EXISTS idx_followups_one_scheduled
	ON followups(tracked_email_id) WHERE status = 'scheduled';
CREATE INDEX IF NOT EXISTS idx_followups_due ON followups(status, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_tracked_emails_status ON tracked_emails(status, sent_at);
CREATE INDEX IF NOT EXISTS idx_tracked_emails_recipient ON tracked_emails(recipient_email);
CREATE INDEX IF NOT EXISTS idx_bounces_unprocessed ON bounces(processed, detected_at);
CREATE INDEX IF NOT EXISTS idx_responses_email ON email_responses(tracked_email_id);
CREATE INDEX IF NOT EXISTS idx_manual_contacts_email ON manual_contacts(tracked_email_id);
CREATE INDEX IF NOT EXISTS idx_alerts_mailbox ON mailbox_alerts(mailbox_id, alert_type, created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE tracked_emails ADD COLUMN resumed_at {{ts}};

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

var dialects = map[string]*strings.Replacer{
	DriverPostgres: strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{ts}}", "TIMESTAMPTZ",
		"{{bool}}", "BOOLEAN",
	),
	DriverSQLite: strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ts}}", "DATETIME",
		"{{bool}}", "BOOLEAN",
	),
}

// Migrate checks the current schema version and applies any outstanding
// migrations in order.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	replacer, ok := dialects[conn.DriverName()]
	if !ok {
		return fmt.Errorf("no schema dialect for driver %q", conn.DriverName())
	}

	current, err := schemaVersion(ctx, conn)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := conn.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		for _, stmt := range splitStatements(replacer.Replace(m.sql)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("applying migration v%d: %w", m.version, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, conn *sqlx.DB) (int, error) {
	var exists int
	var err error
	switch conn.DriverName() {
	case DriverSQLite:
		err = conn.GetContext(ctx, &exists,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	default:
		err = conn.GetContext(ctx, &exists,
			"SELECT COUNT(*) FROM information_schema.tables WHERE table_name='schema_version'")
	}
	if err != nil {
		return 0, fmt.Errorf("checking schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	if err := conn.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// splitStatements breaks a migration into single statements so a failure
// names the statement that caused it.
func splitStatements(sql string) []string {
	var out []string
	for _, part := range strings.Split(sql, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
