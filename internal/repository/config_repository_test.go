package repository_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/testutil"
)

func TestConfigRoundTrip(t *testing.T) {
	conn := testutil.NewTestDB(t)
	ctx := context.Background()
	repo := &repository.ConfigRepository{DB: conn}

	want := model.DefaultFollowupConfig()
	want.BusinessHours.Holidays = []string{"2026-12-25"}
	if err := repo.Save(ctx, &want, t0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	want.MaxFollowups = 5
	if err := repo.Save(ctx, &want, t0); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigMissingOrMalformed(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"missing", ""},
		{"not json", "{{"},
		{"invalid policy", `{"enabled": true, "max_followups": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := testutil.NewTestDB(t)
			if tt.value != "" {
				if _, err := conn.Exec(`INSERT INTO app_config (config_key, value, updated_at) VALUES (?, ?, ?)`,
					model.ConfigKey, tt.value, t0); err != nil {
					t.Fatal(err)
				}
			}
			_, err := (&repository.ConfigRepository{DB: conn}).Get(context.Background())
			if !appErrors.IsConfigError(err) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestConfigSaveRejectsInvalid(t *testing.T) {
	conn := testutil.NewTestDB(t)
	cfg := model.DefaultFollowupConfig()
	cfg.Bounce.WarningThresholdPercent = 50
	err := (&repository.ConfigRepository{DB: conn}).Save(context.Background(), &cfg, t0)
	if !appErrors.IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
