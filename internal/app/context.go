package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/viper"

	"bountyhub/internal/config"
	"bountyhub/internal/db"
	"bountyhub/internal/engine"
	"bountyhub/internal/migrate"
	"bountyhub/internal/processor"
	"bountyhub/internal/reconcile"
	"bountyhub/internal/relay"
	"bountyhub/internal/server"
	"bountyhub/internal/settlement"
	"bountyhub/internal/slogx"
)

// Options select where configuration and data live.
type Options struct {
	Workspace string
	// ConfigPath overrides <Workspace>/bountyhub.yml when set.
	ConfigPath string
	// Viper supplies environment and flag overrides; nil skips them.
	Viper   *viper.Viper
	Version string
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// App holds the wired components one process needs.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *sql.DB
	Engine     engine.Engine
	Settlement settlement.Service
	Reconciler reconcile.Reconciler
}

// LoadConfig resolves the effective configuration without touching storage.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(opts.Viper); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open loads config, opens and migrates the database, and wires the engine,
// settlement and reconciliation.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := slogx.New(slogx.Config{
		Service: "bountyhub",
		Version: opts.Version,
		Env:     cfg.Log.Env,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  opts.LogOutput,
	})
	conn, err := db.Open(db.Config{Path: cfg.Database.Path, Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.Logger = logger.With("component", "engine")

	var proc settlement.Processor
	stripe, err := processor.NewStripe(cfg.Processor, nil)
	switch {
	case err == nil:
		proc = stripe
	case errors.Is(err, processor.ErrNotConfigured):
		logger.WarnContext(ctx, "payment processor not configured; payment endpoints will fail", "key", "processor.secret_key")
		proc = processor.Disabled{}
	default:
		conn.Close()
		return nil, err
	}
	svc := settlement.New(e, proc, cfg)
	svc.Logger = logger.With("component", "settlement")

	return &App{
		Config:     cfg,
		Logger:     logger,
		DB:         conn,
		Engine:     e,
		Settlement: svc,
		Reconciler: reconcile.Reconciler{
			Repo:     e.Repo,
			Verifier: processor.WebhookVerifier{Secret: cfg.Processor.WebhookSecret},
			Logger:   logger.With("component", "reconcile"),
		},
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Handler builds the HTTP API.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:     a.Engine,
		Settlement: a.Settlement,
		Reconciler: a.Reconciler,
		BasePath:   a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:       a.Config.Server.JWTSecret,
			APIKeys:         a.Config.Server.APIKeys,
			AllowDevHeaders: a.Config.Server.AllowDevHeaders,
			Logger:          a.Logger.With("component", "auth"),
		},
		RateLimit: a.Config.Server.RateLimit,
		Logger:    a.Logger.With("component", "http"),
	})
}

// Relay builds the event relay from config. The returned closer releases
// broker connections. An unreachable broker is logged and skipped.
func (a *App) Relay(ctx context.Context) (*relay.Relay, func()) {
	var sinks []relay.Sink
	closers := []func(){}
	for _, hook := range a.Config.Relay.Webhooks {
		sinks = append(sinks, relay.NewWebhookSink(hook))
	}
	if a.Config.Relay.AMQP.URL != "" {
		sink, err := relay.DialAMQP(a.Config.Relay.AMQP)
		if err != nil {
			a.Logger.WarnContext(ctx, "amqp relay disabled", "err", err)
		} else {
			sinks = append(sinks, sink)
			closers = append(closers, sink.Close)
		}
	}
	r := relay.New(a.Engine.Repo, a.Config.Relay, sinks, a.Logger.With("component", "relay"))
	return r, func() {
		for _, c := range closers {
			c()
		}
	}
}
