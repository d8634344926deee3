// Package audit is the append-only system of record for every pipeline
// decision. Events are write-once; there is no update or delete path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType enumerates the recorded facts.
type EventType string

const (
	EventClassification EventType = "classification"
	EventActionProposed EventType = "action_proposed"
	EventApproved       EventType = "approved"
	EventRejected       EventType = "rejected"
	EventExecuted       EventType = "executed"
	EventFailed         EventType = "failed"
	EventRolledBack     EventType = "rolled_back"
)

// ActorSystem identifies pipeline-originated events; human actors use their
// operator id.
const ActorSystem = "system"

// Event is one append-only audit fact.
type Event struct {
	ID        int64
	Type      EventType
	MessageID *string
	ActionID  *string
	Actor     string
	Payload   map[string]any
	CreatedAt time.Time
}

// Recorder writes audit events. Append works inside a caller-owned
// transaction so transition facts commit atomically with the transition;
// Record writes directly to the pool for pipeline-level facts and surfaces
// failures on the ops channel instead of failing the primary operation.
type Recorder struct {
	pool *pgxpool.Pool
	errs chan<- error
}

// NewRecorder creates a Recorder. errs may be nil, in which case write
// failures from Record are only logged.
func NewRecorder(pool *pgxpool.Pool, errs chan<- error) *Recorder {
	return &Recorder{pool: pool, errs: errs}
}

const insertSQL = `
INSERT INTO audit_events (event_type, message_id, action_id, actor, payload)
VALUES ($1, $2, $3, $4, $5::jsonb)
`

// Append writes the event inside the active transaction. A failure here
// aborts the surrounding transition, which is intentional: a state change
// without its audit fact must not commit.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, ev Event) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	if ev.Actor == "" {
		ev.Actor = ActorSystem
	}
	if _, err := tx.Exec(ctx, insertSQL, string(ev.Type), ev.MessageID, ev.ActionID, ev.Actor, payload); err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	return nil
}

// Record writes the event outside any transaction. Loss of an audit row is a
// compliance concern but not a pipeline-fatal error: the failure is pushed to
// the ops channel and logged, and the caller proceeds.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		r.surface(err)
		return
	}
	if ev.Actor == "" {
		ev.Actor = ActorSystem
	}
	if _, err := r.pool.Exec(ctx, insertSQL, string(ev.Type), ev.MessageID, ev.ActionID, ev.Actor, payload); err != nil {
		r.surface(fmt.Errorf("audit: record event: %w", err))
	}
}

func (r *Recorder) surface(err error) {
	log.Printf("audit: %v", err)
	if r.errs == nil {
		return
	}
	select {
	case r.errs <- err:
	default:
		// ops channel full; the log line above is the fallback
	}
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}
	return b, nil
}

// ListByAction returns the trail for one action in append order.
func (r *Recorder) ListByAction(ctx context.Context, actionID string) ([]Event, error) {
	const query = `
SELECT id, event_type, message_id::text, action_id::text, actor, payload, created_at
FROM audit_events
WHERE action_id = $1
ORDER BY id ASC
`
	rows, err := r.pool.Query(ctx, query, actionID)
	if err != nil {
		return nil, fmt.Errorf("audit: list by action: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var (
			ev         Event
			payloadRaw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.MessageID, &ev.ActionID, &ev.Actor, &payloadRaw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if err := json.Unmarshal(payloadRaw, &ev.Payload); err != nil {
			return nil, fmt.Errorf("audit: decode payload: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return events, nil
}
