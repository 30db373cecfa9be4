package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinic-inventory-ledger/internal/models"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

const outboxCols = `event_id, clinic_id, aggregate_id, topic, payload, status, attempts, next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

// OutboxRepo manages the staged-publish table. Rows are written inside the
// same transaction as the ledger event (see insertOutbox) and drained by the
// relay worker, so a crash between commit and publish never loses an event.
type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// insertOutbox stages an event for publication. db is the ledger write
// transaction, which ties delivery to the commit of the event itself.
func insertOutbox(ctx context.Context, db DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}

	err := db.QueryRow(ctx, `
		INSERT INTO outbox_events (
			`+outboxCols+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING `+outboxCols+`
	`, event.EventID, event.ClinicID, event.AggregateID, event.Topic, event.Payload, event.Status, event.Attempts,
		event.NextRetryAt, event.LockedAt, event.LockedBy, event.LastError, event.CreatedAt, event.UpdatedAt, event.PublishedAt).
		Scan(outboxDest(&event)...)
	return event, err
}

func outboxDest(event *models.OutboxEvent) []any {
	return []any{
		&event.EventID, &event.ClinicID, &event.AggregateID, &event.Topic, &event.Payload, &event.Status, &event.Attempts,
		&event.NextRetryAt, &event.LockedAt, &event.LockedBy, &event.LastError, &event.CreatedAt, &event.UpdatedAt, &event.PublishedAt,
	}
}

// ClaimPending moves a batch of due rows to sending under this owner.
// SKIP LOCKED lets multiple relay workers drain the table without
// contending on the same rows.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.clinic_id, o.aggregate_id, o.topic, o.payload, o.status, o.attempts,
			o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]models.OutboxEvent, 0, limit)
	for rows.Next() {
		var event models.OutboxEvent
		if err := rows.Scan(outboxDest(&event)...); err != nil {
			return nil, err
		}
		claimed = append(claimed, event)
	}
	return claimed, rows.Err()
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	var event models.OutboxEvent
	err := r.pool.QueryRow(ctx, `
		SELECT `+outboxCols+`
		FROM outbox_events
		WHERE event_id = $1
	`, eventID).Scan(outboxDest(&event)...)
	return event, err
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), updated_at = now()
		WHERE event_id = $1
	`, eventID, OutboxStatusDelivered)
	return err
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReclaimStale returns rows abandoned mid-send to the pending state so the
// next scan can claim them again. A row counts as abandoned when it has been
// sitting in sending longer than olderThan, which happens when a relay dies
// between claiming and publishing.
func (r *OutboxRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < $3
	`, OutboxStatusPending, OutboxStatusSending, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountByStatus feeds the queue-depth gauge.
func (r *OutboxRepo) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events WHERE status = $1
	`, status).Scan(&n)
	return n, err
}
