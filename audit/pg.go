package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink stores events in the control schema's audit_events table.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

const insertEventSQL = `INSERT INTO audit_events (
	id, occurred_at, action, status, message, tenant_namespace, request_id,
	actor_id, actor_email, ip_address, user_agent,
	object_type, object_id, object_repr, changes, metadata
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// Write inserts events in a single batch.
func (s *PGSink) Write(ctx context.Context, events []Event) error {
	b := &pgx.Batch{}
	for _, ev := range events {
		var changes, metadata any
		if len(ev.Changes) > 0 {
			changes = ev.Changes
		}
		if len(ev.Metadata) > 0 {
			metadata = ev.Metadata
		}
		b.Queue(insertEventSQL,
			ev.ID, ev.Timestamp, ev.Action, string(ev.Status), ev.Message, ev.TenantNamespace, ev.RequestID,
			ev.ActorID, ev.ActorEmail, ev.IPAddress, ev.UserAgent,
			ev.ObjectType, ev.ObjectID, ev.ObjectRepr, changes, metadata)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}
	return nil
}

// Purge deletes events that occurred before cutoff and reports how many were
// removed.
func (s *PGSink) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetentionCutoff is the purge cutoff for keeping the last days of events.
func RetentionCutoff(now time.Time, days int) time.Time {
	return now.UTC().AddDate(0, 0, -days)
}

var _ Sink = (*PGSink)(nil)
