package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
)

type ConfigRepositoryInterface interface {
	Get(ctx context.Context) (*model.FollowupConfig, error)
	Save(ctx context.Context, cfg *model.FollowupConfig, now time.Time) error
}

type ConfigRepository struct {
	DB *sqlx.DB
}

// Get loads the policy record. A missing or malformed record is a
// *appErrors.ConfigError; callers must not fall back to defaults.
func (r *ConfigRepository) Get(ctx context.Context) (*model.FollowupConfig, error) {
	var raw string
	err := r.DB.GetContext(ctx, &raw, r.DB.Rebind(
		`SELECT value FROM app_config WHERE config_key = ?`), model.ConfigKey)
	if isNoRows(err) {
		return nil, appErrors.NewConfigError("followup config record is missing", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("loading followup config: %w", err)
	}
	cfg, err := model.ParseFollowupConfig([]byte(raw))
	if err != nil {
		return nil, appErrors.NewConfigError("followup config record is malformed", err)
	}
	return cfg, nil
}

func (r *ConfigRepository) Save(ctx context.Context, cfg *model.FollowupConfig, now time.Time) error {
	if err := cfg.Validate(); err != nil {
		return appErrors.NewConfigError("refusing to save invalid followup config", err)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding followup config: %w", err)
	}
	_, err = exec(ctx, r.DB, `
        INSERT INTO app_config (config_key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (config_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		model.ConfigKey, string(raw), utc(now))
	if err != nil {
		return fmt.Errorf("saving followup config: %w", err)
	}
	return nil
}

var _ ConfigRepositoryInterface = (*ConfigRepository)(nil)
