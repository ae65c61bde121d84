package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"bountyhub/internal/apperr"
	"bountyhub/internal/config"
	"bountyhub/internal/domain"
	"bountyhub/internal/engine/auth"
	"bountyhub/internal/events"
	"bountyhub/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Policy auth.Policy
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Policy: auth.Policy{Members: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) currency() string {
	if e.Config != nil && e.Config.Payments.Currency != "" {
		return e.Config.Payments.Currency
	}
	return config.DefaultCurrency
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// storageErr converts repository failures into tagged errors. Errors that
// are already tagged pass through.
func storageErr(err error, entity string) error {
	if err == nil {
		return nil
	}
	var tagged *apperr.Error
	if errors.As(err, &tagged) {
		return err
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return apperr.Newf(apperr.NotFound, entity+"_not_found", "%s not found", entity)
	case errors.Is(err, repo.ErrAlreadyExists):
		return apperr.Newf(apperr.Conflict, entity+"_exists", "%s already exists", entity)
	case errors.Is(err, repo.ErrUnknownReference):
		return apperr.New(apperr.NotFound, "unknown_reference", "referenced user or client does not exist")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.DependencyUnavailable, "storage_timeout", err, "storage call did not complete")
	}
	return apperr.Wrap(apperr.DependencyUnavailable, "storage", err, "storage unavailable")
}

// swap writes b guarded on expected and the version b was read at, and
// records evt in the same transaction. lost is returned when another writer
// changed the bounty first. On success b carries the new version.
func (e Engine) swap(ctx context.Context, b *domain.Bounty, expected domain.Status, actorID, evtType string, payload events.EventPayload, lost error) error {
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.CompareAndSwapBounty(ctx, tx, *b, expected)
		if err != nil {
			return err
		}
		if !ok {
			return lost
		}
		return e.writer().Append(ctx, tx, evtType, "bounty", b.ID, actorID, payload)
	})
	if err != nil {
		return storageErr(err, "bounty")
	}
	b.Version++
	return nil
}

func lostStatusRace(id string) error {
	return apperr.Newf(apperr.InvalidState, "status_changed", "bounty %s changed status concurrently", id)
}
