package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"bountyhub/internal/config"
	"bountyhub/internal/domain"
	"bountyhub/internal/repo"
)

const (
	DefaultInterval  = 2 * time.Second
	DefaultBatchSize = 100
)

// Sink receives audit events in id order.
type Sink interface {
	Name() string
	Accepts(evtType string) bool
	Deliver(ctx context.Context, msg Message) error
}

// Message is the wire shape shared by every sink.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func NewMessage(evt domain.Event) Message {
	msg := Message{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage(`{}`),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			msg.Payload = json.RawMessage(evt.Payload)
		} else {
			msg.PayloadRaw = evt.Payload
		}
	}
	return msg
}

// Relay forwards the audit log to its sinks, one persisted cursor per sink.
type Relay struct {
	Repo      repo.Repo
	Sinks     []Sink
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
}

func New(r repo.Repo, cfg config.RelayConfig, sinks []Sink, logger *slog.Logger) *Relay {
	return &Relay{
		Repo:      r,
		Sinks:     sinks,
		Interval:  cfg.Interval,
		BatchSize: cfg.BatchSize,
		Logger:    logger,
	}
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	if len(r.Sinks) == 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one delivery pass over every sink and reports how many events
// each one accepted.
func (r *Relay) Tick(ctx context.Context) map[string]int {
	delivered := make(map[string]int, len(r.Sinks))
	for _, sink := range r.Sinks {
		n, err := r.dispatch(ctx, sink)
		delivered[sink.Name()] = n
		if err != nil && ctx.Err() == nil {
			r.logger().WarnContext(ctx, "relay delivery failed", "sink", sink.Name(), "delivered", n, "err", err)
		}
	}
	return delivered
}

func (r *Relay) dispatch(ctx context.Context, sink Sink) (int, error) {
	cursor, err := r.cursor(ctx, sink.Name())
	if err != nil {
		return 0, err
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	evts, err := r.Repo.EventsAfter(ctx, cursor, batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	last := cursor
	defer func() {
		if last == cursor {
			return
		}
		if err := r.Repo.SetRelayCursor(context.WithoutCancel(ctx), sink.Name(), last, r.now()); err != nil {
			r.logger().ErrorContext(ctx, "relay cursor save failed", "sink", sink.Name(), "err", err)
		}
	}()
	for _, evt := range evts {
		if sink.Accepts(evt.Type) {
			if err := sink.Deliver(ctx, NewMessage(evt)); err != nil {
				return delivered, err
			}
			delivered++
		}
		last = evt.ID
	}
	return delivered, nil
}

// cursor loads the sink's position. A sink seen for the first time starts
// at the current end of the log.
func (r *Relay) cursor(ctx context.Context, sink string) (int64, error) {
	cur, err := r.Repo.RelayCursor(ctx, sink)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	cur, err = r.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.Repo.SetRelayCursor(ctx, sink, cur, r.now()); err != nil {
		return 0, err
	}
	r.logger().InfoContext(ctx, "relay sink registered", "sink", sink, "cursor", cur)
	return cur, nil
}

type eventFilter struct {
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if len(f.set) == 0 {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}
