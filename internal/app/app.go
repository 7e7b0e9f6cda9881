// Package app wires configuration into the datastore, transport, queue and
// engine shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"google.golang.org/api/option"

	"github.com/unclebandit/followup-engine/internal/config"
	"github.com/unclebandit/followup-engine/internal/credential"
	"github.com/unclebandit/followup-engine/internal/db"
	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/ingest"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/queue"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/service"
	"github.com/unclebandit/followup-engine/internal/transport"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *sqlx.DB

	secrets *credential.Store
}

// New opens the datastore and applies migrations.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	return &App{Config: cfg, Logger: logger, DB: conn}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// secret returns value, or the keyring entry for key when value is empty.
// The keyring is opened on first use.
func (a *App) secret(value, key string) (string, error) {
	if value != "" {
		return value, nil
	}
	if a.secrets == nil {
		s, err := credential.Open(a.Config.Keyring.Service, a.Config.Keyring.Dir)
		if err != nil {
			return "", err
		}
		a.secrets = s
	}
	return a.secrets.Resolve(value, key)
}

// Transport builds the configured provider client behind a rate limiter.
func (a *App) Transport(ctx context.Context) (transport.Transport, error) {
	tc := a.Config.Transport
	var next transport.Transport
	switch tc.Kind {
	case "gmail":
		var opts []option.ClientOption
		if tc.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(tc.CredentialsFile))
		}
		if tc.BaseURL != "" {
			opts = append(opts, option.WithEndpoint(tc.BaseURL))
		}
		g, err := transport.NewGmailTransport(ctx, opts...)
		if err != nil {
			return nil, err
		}
		next = g
	case "graph":
		secret, err := a.secret(tc.ClientSecret, credential.KeyTransportSecret)
		if err != nil {
			return nil, err
		}
		next = transport.NewGraphTransport(ctx, transport.GraphConfig{
			BaseURL:      tc.BaseURL,
			TenantID:     tc.TenantID,
			ClientID:     tc.ClientID,
			ClientSecret: secret,
			TokenURL:     tc.TokenURL,
			Scopes:       tc.Scopes,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", tc.Kind)
	}
	if tc.RatePerSecond <= 0 {
		return next, nil
	}
	return transport.NewRateLimited(next, tc.RatePerSecond, tc.Burst), nil
}

func (a *App) Engine(ctx context.Context) (*service.Engine, error) {
	tr, err := a.Transport(ctx)
	if err != nil {
		return nil, err
	}
	ec := a.Config.Engine
	return service.NewEngine(a.DB, tr, service.EngineOptions{
		CandidateBatch:      ec.CandidateBatch,
		DispatchBatch:       ec.DispatchBatch,
		DispatchConcurrency: ec.DispatchConcurrency,
		SendTimeout:         ec.SendTimeout,
		BounceBatch:         ec.BounceBatch,
		StaleFollowupWindow: ec.StaleFollowupWindow,
		EmailMaxAge:         ec.EmailMaxAge,
		ClaimLease:          ec.ClaimLease,
		Templates:           service.NewTemplateService(),
	}, a.Logger), nil
}

func (a *App) Admin() *service.AdminService {
	return &service.AdminService{
		Emails:    &repository.TrackedEmailRepository{DB: a.DB},
		Followups: &repository.FollowupRepository{DB: a.DB},
		Responses: &repository.ResponseRepository{DB: a.DB},
		Logger:    a.Logger,
	}
}

func (a *App) Bounces() *repository.BounceRepository {
	return &repository.BounceRepository{DB: a.DB}
}

// RegisterMailbox adds an active sending mailbox.
func (a *App) RegisterMailbox(ctx context.Context, email, name string) (*model.Mailbox, error) {
	m := &model.Mailbox{Email: strings.ToLower(strings.TrimSpace(email)), DisplayName: name, IsActive: true}
	if err := (&repository.MailboxRepository{DB: a.DB}).Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SeedConfig stores the default policy record unless a valid one exists. With
// overwrite it is replaced unconditionally.
func (a *App) SeedConfig(ctx context.Context, overwrite bool) (bool, error) {
	repo := &repository.ConfigRepository{DB: a.DB}
	if !overwrite {
		_, err := repo.Get(ctx)
		if err == nil {
			return false, nil
		}
		if !appErrors.IsConfigError(err) {
			return false, err
		}
	}
	cfg := model.DefaultFollowupConfig()
	if err := repo.Save(ctx, &cfg, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// Queue connects to the broker when one is configured and falls back to the
// in-process queue otherwise. The returned func releases the connection.
func (a *App) Queue() (queue.Queue, func(), error) {
	if a.Config.AMQP.URL == "" {
		return queue.NewInMemoryQueue(a.Logger), func() {}, nil
	}
	q, err := queue.DialAMQP(a.Config.AMQP.URL, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return q, func() {
		if err := q.Close(); err != nil {
			a.Logger.Warn("closing broker connection", "error", err)
		}
	}, nil
}

func (a *App) IMAPFetcher() (*ingest.IMAPFetcher, error) {
	ic := a.Config.IMAP
	if ic.Addr == "" {
		return nil, fmt.Errorf("imap.addr is not configured")
	}
	password, err := a.secret(ic.Password, credential.KeyIMAPPassword)
	if err != nil {
		return nil, err
	}
	return &ingest.IMAPFetcher{
		Addr:     ic.Addr,
		Username: ic.Username,
		Password: password,
		StartTLS: ic.StartTLS,
		Folder:   ic.Folder,
		Limit:    ic.Limit,
		Logger:   a.Logger,
	}, nil
}

// Intervals maps each trigger to its ticker period.
func Intervals(tc config.TickerConfig) map[service.Trigger]time.Duration {
	return map[service.Trigger]time.Duration{
		service.TriggerTimeSlot:    tc.TimeSlot,
		service.TriggerBounceSweep: tc.BounceSweep,
		service.TriggerMaintenance: tc.Maintenance,
	}
}
