package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"bountyhub/internal/apperr"
	"bountyhub/internal/domain"
	"bountyhub/internal/events"
	"bountyhub/internal/repo"
)

// AccountUpdated is the processor event type that carries payout readiness.
const AccountUpdated = "account.updated"

// ProcessorActorID is recorded as the actor of reconciled changes.
const ProcessorActorID = "processor"

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier authenticates a raw webhook delivery and decodes it.
type Verifier interface {
	Verify(payload []byte, signature string) (AccountEvent, error)
}

// AccountEvent is the part of a processor event reconciliation needs.
// PayoutsEnabled is the account's current value, not a delta.
type AccountEvent struct {
	ID             string
	Type           string
	AccountID      string
	PayoutsEnabled bool
}

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

type Result struct {
	Outcome   Outcome `json:"outcome"`
	EventID   string  `json:"event_id,omitempty"`
	EventType string  `json:"event_type,omitempty"`
	Matched   int     `json:"matched"`
	Changed   int     `json:"changed"`
}

type Reconciler struct {
	Repo     repo.Repo
	Verifier Verifier
	Now      func() time.Time
	Logger   *slog.Logger
}

func (r Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Project returns u as it should look after ev. Users not linked to the
// event's account are returned unchanged.
func Project(u domain.User, ev AccountEvent) domain.User {
	if ev.Type != AccountUpdated || u.PayeeProfileID == nil || *u.PayeeProfileID != ev.AccountID {
		return u
	}
	u.PayoutsEnabled = ev.PayoutsEnabled
	return u
}

// HandlePayoutAccountWebhook verifies a delivery and projects it onto every
// user linked to the account. Unauthenticated deliveries are dropped without
// an error; only storage failures are returned so the sender retries.
func (r Reconciler) HandlePayoutAccountWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	log := r.logger()
	if signature == "" {
		log.WarnContext(ctx, "webhook rejected: missing signature")
		return Result{Outcome: OutcomeRejected}, nil
	}
	if r.Verifier == nil {
		log.WarnContext(ctx, "webhook rejected: no verifier configured")
		return Result{Outcome: OutcomeRejected}, nil
	}
	ev, err := r.Verifier.Verify(payload, signature)
	if err != nil {
		log.WarnContext(ctx, "webhook rejected: signature verification failed", "err", err)
		return Result{Outcome: OutcomeRejected}, nil
	}
	res := Result{EventID: ev.ID, EventType: ev.Type}
	if ev.Type != AccountUpdated || ev.AccountID == "" {
		log.DebugContext(ctx, "webhook ignored", "event_id", ev.ID, "event_type", ev.Type)
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	stamp := r.now().UTC().Format(time.RFC3339)
	w := events.Writer{Now: r.now}
	err = r.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		users, err := r.Repo.UsersByPayeeProfile(ctx, tx, ev.AccountID)
		if err != nil {
			return err
		}
		res.Matched = len(users)
		for _, u := range users {
			next := Project(u, ev)
			if next.PayoutsEnabled == u.PayoutsEnabled {
				continue
			}
			ok, err := r.Repo.SetPayoutsEnabled(ctx, tx, u.ID, ev.AccountID, next.PayoutsEnabled, stamp)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			res.Changed++
			if err := w.Append(ctx, tx, events.PayeeAccountUpdated, "user", u.ID, ProcessorActorID, events.EventPayload{
				"account_id":      ev.AccountID,
				"payouts_enabled": next.PayoutsEnabled,
				"event_id":        ev.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DependencyUnavailable, "storage", err, "apply account update")
	}
	res.Outcome = OutcomeApplied
	log.InfoContext(ctx, "payout account reconciled",
		"event_id", ev.ID, "account_id", ev.AccountID, "payouts_enabled", ev.PayoutsEnabled,
		"matched", res.Matched, "changed", res.Changed)
	return res, nil
}
