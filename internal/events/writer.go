package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine, settlement and reconciliation.
const (
	BountyCreated            = "bounty.created"
	BountyAssigned           = "bounty.assigned"
	BountyReleased           = "bounty.released"
	BountyUpdated            = "bounty.updated"
	BountyDeleted            = "bounty.deleted"
	BountyPaid               = "bounty.paid"
	PaymentIntentCreated     = "payment.intent.created"
	PayerProfileCreated      = "payer.profile.created"
	PayeeAccountCreated      = "payee.account.created"
	PayeeAccountDisconnected = "payee.account.disconnected"
	PayeeAccountUpdated      = "payee.account.updated"
	TransferCreated          = "payout.transfer.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so it commits or
// rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
