package model_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/unclebandit/followup-engine/internal/model"
)

func TestParseFollowupConfigKeepsDefaults(t *testing.T) {
	raw := `{
		"enabled": true,
		"max_followups": 2,
		"bounce": {"warning_threshold_percent": 3}
	}`
	got, err := model.ParseFollowupConfig([]byte(raw))
	if err != nil {
		t.Fatalf("ParseFollowupConfig: %v", err)
	}

	want := model.DefaultFollowupConfig()
	want.MaxFollowups = 2
	want.Bounce.WarningThresholdPercent = 3
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if !got.Bounce.AutoDisableEnabled || got.Bounce.MinSampleSize != 10 {
		t.Errorf("omitted bounce fields lost their defaults: %+v", got.Bounce)
	}
}

func TestParseFollowupConfigReplacesDelayTable(t *testing.T) {
	got, err := model.ParseFollowupConfig([]byte(`{"min_delay_hours": {"1": 6}, "default_delay_hours": 12}`))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[int]float64{1: 6}, got.MinDelayHours); diff != "" {
		t.Errorf("delay table mismatch (-want +got):\n%s", diff)
	}
	if h := got.MinDelayFor(2); h != 12 {
		t.Errorf("step 2 delay = %v, want default 12", h)
	}
}

func TestParseFollowupConfigRejectsInvalid(t *testing.T) {
	tests := []string{
		`{{`,
		`{"max_followups": 0}`,
		`{"bounce": {"warning_threshold_percent": 50}}`,
	}
	for _, raw := range tests {
		if _, err := model.ParseFollowupConfig([]byte(raw)); err == nil {
			t.Errorf("%s: expected an error", raw)
		}
	}
}
