// internal/model/config.go
package model

import (
	"encoding/json"
	"fmt"
)

// ConfigKey is the app_config row holding the follow-up policy.
const ConfigKey = "followup_config"

const defaultDelayHours = 24

// FollowupConfig is the policy record owned by the admin surface. The engine
// reads a snapshot of it once per trigger invocation.
type FollowupConfig struct {
	Version             int             `json:"version"`
	Enabled             bool            `json:"enabled"`
	MaxFollowups        int             `json:"max_followups"`
	MaxPerDay           int             `json:"max_per_day"`
	MinDelayHours       map[int]float64 `json:"min_delay_hours"`
	DefaultDelayHours   float64         `json:"default_delay_hours"`
	TotalTimeframeHours float64         `json:"total_timeframe_hours"`
	Bounce              BouncePolicy    `json:"bounce"`
	BusinessHours       BusinessHours   `json:"business_hours"`
}

type BouncePolicy struct {
	WarningThresholdPercent     float64 `json:"warning_threshold_percent"`
	AutoDisableThresholdPercent float64 `json:"auto_disable_threshold_percent"`
	AutoDisableEnabled          bool    `json:"auto_disable_enabled"`
	SoftBounceRetryLimit        int     `json:"soft_bounce_retry_limit"`
	SoftBounceDelayHours        float64 `json:"soft_bounce_delay_hours"`
	TreatAllAsHard              bool    `json:"treat_all_as_hard"`
	// MinSampleSize is the number of sent emails a mailbox needs before its
	// bounce rate is classified. Below it the mailbox stays healthy and is
	// never auto-disabled, whatever its rate. Set it to 0 to classify from
	// the first send.
	MinSampleSize int `json:"min_sample_size"`
	WindowDays    int `json:"window_days"`
}

// BusinessHours describes the sending calendar. Start and End are "15:04"
// times of day, Holidays are "2006-01-02" dates in Timezone.
type BusinessHours struct {
	Enabled     bool     `json:"enabled"`
	Timezone    string   `json:"timezone"`
	WorkingDays []int    `json:"working_days"` // 0 = Sunday
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Holidays    []string `json:"holidays"`
}

// DefaultFollowupConfig is the record written by seed-config.
func DefaultFollowupConfig() FollowupConfig {
	return FollowupConfig{
		Version:             1,
		Enabled:             true,
		MaxFollowups:        3,
		MaxPerDay:           1,
		MinDelayHours:       map[int]float64{1: 24, 2: 48, 3: 72},
		DefaultDelayHours:   defaultDelayHours,
		TotalTimeframeHours: 168,
		Bounce: BouncePolicy{
			WarningThresholdPercent:     5,
			AutoDisableThresholdPercent: 10,
			AutoDisableEnabled:          true,
			SoftBounceRetryLimit:        3,
			SoftBounceDelayHours:        24,
			MinSampleSize:               10,
			WindowDays:                  30,
		},
		BusinessHours: BusinessHours{
			Enabled:     true,
			Timezone:    "UTC",
			WorkingDays: []int{1, 2, 3, 4, 5},
			Start:       "09:00",
			End:         "17:00",
		},
	}
}

// ParseFollowupConfig decodes and validates a stored policy blob. Fields the
// blob omits keep their DefaultFollowupConfig values; a min_delay_hours
// object that is present replaces the default table instead of merging.
func ParseFollowupConfig(raw []byte) (*FollowupConfig, error) {
	cfg := DefaultFollowupConfig()
	delays := cfg.MinDelayHours
	cfg.MinDelayHours = nil
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding followup config: %w", err)
	}
	if cfg.MinDelayHours == nil {
		cfg.MinDelayHours = delays
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *FollowupConfig) Validate() error {
	switch {
	case c.MaxFollowups < 1:
		return fmt.Errorf("max_followups must be at least 1, got %d", c.MaxFollowups)
	case c.MaxPerDay < 1:
		return fmt.Errorf("max_per_day must be at least 1, got %d", c.MaxPerDay)
	case c.TotalTimeframeHours <= 0:
		return fmt.Errorf("total_timeframe_hours must be positive, got %v", c.TotalTimeframeHours)
	case c.DefaultDelayHours < 0:
		return fmt.Errorf("default_delay_hours must not be negative")
	case c.Bounce.SoftBounceRetryLimit < 0:
		return fmt.Errorf("soft_bounce_retry_limit must not be negative")
	case c.Bounce.SoftBounceDelayHours < 0:
		return fmt.Errorf("soft_bounce_delay_hours must not be negative")
	case c.Bounce.WarningThresholdPercent < 0 || c.Bounce.WarningThresholdPercent > 100:
		return fmt.Errorf("warning_threshold_percent must be within 0..100")
	case c.Bounce.AutoDisableThresholdPercent < 0 || c.Bounce.AutoDisableThresholdPercent > 100:
		return fmt.Errorf("auto_disable_threshold_percent must be within 0..100")
	case c.Bounce.WarningThresholdPercent > c.Bounce.AutoDisableThresholdPercent:
		return fmt.Errorf("warning_threshold_percent exceeds auto_disable_threshold_percent")
	}
	for step, hours := range c.MinDelayHours {
		if step < 1 || hours < 0 {
			return fmt.Errorf("invalid min_delay_hours entry %d: %v", step, hours)
		}
	}
	return nil
}

// MinDelayFor returns the minimum hours since the last activity before the
// given step may be sent.
func (c *FollowupConfig) MinDelayFor(step int) float64 {
	if h, ok := c.MinDelayHours[step]; ok {
		return h
	}
	if c.DefaultDelayHours > 0 {
		return c.DefaultDelayHours
	}
	return defaultDelayHours
}
