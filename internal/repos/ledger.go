package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinic-inventory-ledger/internal/ledger"
	"clinic-inventory-ledger/internal/models"
	"clinic-inventory-ledger/shared/dbx"
	"clinic-inventory-ledger/shared/events"
)

// LedgerRepo owns the write path: one transaction per event that appends to
// ledger_events, folds the projection forward, applies dispense side rows
// and stages the outbox record. Projections are only ever written here and
// in Rebuild.
type LedgerRepo struct {
	pool      *pgxpool.Pool
	txTimeout time.Duration
}

func NewLedgerRepo(pool *pgxpool.Pool, txTimeout time.Duration) *LedgerRepo {
	return &LedgerRepo{pool: pool, txTimeout: txTimeout}
}

// Record applies ev atomically. The returned bool is false when the event
// id was already recorded; in that case the stored projection is returned
// unchanged and nothing is written.
func (r *LedgerRepo) Record(ctx context.Context, ev ledger.Event) (ledger.Projection, bool, error) {
	var next ledger.Projection

	err := dbx.WithinTx(ctx, r.pool, r.txTimeout, func(ctx context.Context, tx pgx.Tx) error {
		current, err := lockProjection(ctx, tx, ev.ClinicID, ev.VialID)
		if err != nil {
			return err
		}

		inserted, err := insertEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			return ledger.ErrDuplicateEvent
		}

		next, err = ledger.Apply(current, ev)
		if err != nil {
			return err
		}

		if err := applySideRows(ctx, tx, ev); err != nil {
			return err
		}
		if ev.Type == ledger.TypeVialRegistered {
			// Registration must be a plain insert. There is no projection
			// row to lock yet, so two racing registrations both reach this
			// point; the unique index fails the loser and rolls its event
			// back with it.
			if err := insertProjection(ctx, tx, next); err != nil {
				return err
			}
		} else if err := upsertProjection(ctx, tx, next); err != nil {
			return err
		}
		return stageOutbox(ctx, tx, ev, next)
	})

	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			stored, getErr := r.GetProjection(ctx, ev.ClinicID, ev.VialID)
			if getErr != nil {
				return ledger.Projection{}, false, getErr
			}
			return stored, false, nil
		}
		return ledger.Projection{}, false, mapTimeout(err)
	}
	return next, true, nil
}

func (r *LedgerRepo) GetProjection(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error) {
	return getProjection(ctx, r.pool, clinicID, vialID)
}

func (r *LedgerRepo) GetEvent(ctx context.Context, clinicID uuid.UUID, eventID uuid.UUID) (ledger.Event, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+eventCols+`
		FROM ledger_events
		WHERE clinic_id = $1 AND event_id = $2
	`, clinicID, eventID)
	rec, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Event{}, fmt.Errorf("%w: event %s", ledger.ErrNotFound, eventID)
		}
		return ledger.Event{}, err
	}
	return toDomainEvent(rec)
}

func (r *LedgerRepo) GetDispense(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID) (models.Dispense, error) {
	var d models.Dispense
	err := r.pool.QueryRow(ctx, `
		SELECT dispense_id, clinic_id, vial_id, quantity, waste_quantity, recorded_by, created_at
		FROM dispenses
		WHERE clinic_id = $1 AND dispense_id = $2
	`, clinicID, dispenseID).
		Scan(&d.DispenseID, &d.ClinicID, &d.VialID, &d.Quantity, &d.WasteQuantity, &d.RecordedBy, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Dispense{}, fmt.Errorf("%w: dispense %s", ledger.ErrNotFound, dispenseID)
	}
	return d, err
}

// FindDispenseEvent returns the dispense_created event for a dispense. Used
// to thread caused_by_event_id through deletions.
func (r *LedgerRepo) FindDispenseEvent(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID) (ledger.Event, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+eventCols+`
		FROM ledger_events
		WHERE clinic_id = $1 AND event_type = $2 AND payload->>'dispense_id' = $3
		ORDER BY occurred_at ASC
		LIMIT 1
	`, clinicID, string(ledger.TypeDispenseCreated), dispenseID.String())
	rec, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Event{}, fmt.Errorf("%w: no dispense_created event for %s", ledger.ErrNotFound, dispenseID)
		}
		return ledger.Event{}, err
	}
	return toDomainEvent(rec)
}

// Rebuild replays a vial's history through the fold and compares it with
// the stored projection. With repair set, a drifted projection is rewritten
// from the replay inside the same locked transaction.
func (r *LedgerRepo) Rebuild(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID, repair bool) (stored ledger.Projection, replayed ledger.Projection, drifted bool, err error) {
	err = dbx.WithinTx(ctx, r.pool, r.txTimeout, func(ctx context.Context, tx pgx.Tx) error {
		var lockErr error
		stored, lockErr = lockProjection(ctx, tx, clinicID, vialID)
		if lockErr != nil {
			return lockErr
		}
		if !stored.Registered() {
			return fmt.Errorf("%w: vial %s", ledger.ErrNotFound, vialID)
		}

		history, listErr := listEventsAsc(ctx, tx, clinicID, vialID)
		if listErr != nil {
			return listErr
		}
		replayed, listErr = ledger.Replay(history)
		if listErr != nil {
			return listErr
		}

		drifted = !stored.Remaining.Equal(replayed.Remaining) ||
			!stored.DispensedTotal.Equal(replayed.DispensedTotal) ||
			stored.Status != replayed.Status
		if drifted && repair {
			return upsertProjection(ctx, tx, replayed)
		}
		return nil
	})
	return stored, replayed, drifted, mapTimeout(err)
}

const eventCols = `event_id, clinic_id, vial_id, event_type, dispense_id, caused_by_event_id, payload, recorded_by, occurred_at`

func scanEvent(row pgx.Row) (models.LedgerEvent, error) {
	var rec models.LedgerEvent
	err := row.Scan(&rec.EventID, &rec.ClinicID, &rec.VialID, &rec.EventType,
		&rec.DispenseID, &rec.CausedBy, &rec.Payload, &rec.RecordedBy, &rec.OccurredAt)
	return rec, err
}

func toDomainEvent(rec models.LedgerEvent) (ledger.Event, error) {
	payload, err := ledger.UnmarshalPayload(ledger.EventType(rec.EventType), rec.Payload)
	if err != nil {
		return ledger.Event{}, err
	}
	return ledger.Event{
		EventID:    rec.EventID,
		ClinicID:   rec.ClinicID,
		VialID:     rec.VialID,
		Type:       ledger.EventType(rec.EventType),
		Payload:    payload,
		CausedBy:   rec.CausedBy,
		RecordedBy: rec.RecordedBy,
		OccurredAt: rec.OccurredAt,
	}, nil
}

func lockProjection(ctx context.Context, tx pgx.Tx, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error) {
	// Serializes writers per vial. A vial with no projection row yet locks
	// nothing; registration handles that race with a plain insert so the
	// loser fails on the unique index.
	p, err := scanProjection(tx.QueryRow(ctx, `
		SELECT clinic_id, vial_id, substance, lot_number, remaining_quantity, dispensed_total, status, last_event_id, updated_at
		FROM vial_projections
		WHERE clinic_id = $1 AND vial_id = $2
		FOR UPDATE
	`, clinicID, vialID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Projection{}, nil
	}
	return p, err
}

func getProjection(ctx context.Context, db DBTX, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error) {
	p, err := scanProjection(db.QueryRow(ctx, `
		SELECT clinic_id, vial_id, substance, lot_number, remaining_quantity, dispensed_total, status, last_event_id, updated_at
		FROM vial_projections
		WHERE clinic_id = $1 AND vial_id = $2
	`, clinicID, vialID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Projection{}, fmt.Errorf("%w: vial %s", ledger.ErrNotFound, vialID)
	}
	return p, err
}

func scanProjection(row pgx.Row) (ledger.Projection, error) {
	var p ledger.Projection
	var status string
	err := row.Scan(&p.ClinicID, &p.VialID, &p.Substance, &p.LotNumber,
		&p.Remaining, &p.DispensedTotal, &status, &p.LastEventID, &p.UpdatedAt)
	if err != nil {
		return ledger.Projection{}, err
	}
	p.Status = ledger.Status(status)
	return p, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev ledger.Event) (bool, error) {
	payload, err := ev.MarshalPayload()
	if err != nil {
		return false, err
	}

	var dispenseID *uuid.UUID
	if created, ok := ev.Payload.(ledger.DispenseCreated); ok {
		id := created.DispenseID
		dispenseID = &id
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_events (event_id, clinic_id, vial_id, event_type, dispense_id, caused_by_event_id, payload, recorded_by, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.ClinicID, ev.VialID, string(ev.Type), dispenseID, ev.CausedBy, payload, ev.RecordedBy, ev.OccurredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func applySideRows(ctx context.Context, tx pgx.Tx, ev ledger.Event) error {
	switch payload := ev.Payload.(type) {
	case ledger.DispenseCreated:
		tag, err := tx.Exec(ctx, `
			INSERT INTO dispenses (dispense_id, clinic_id, vial_id, quantity, waste_quantity, recorded_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (dispense_id) DO NOTHING
		`, payload.DispenseID, ev.ClinicID, ev.VialID, payload.Quantity, payload.WasteQuantity, ev.RecordedBy, ev.OccurredAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: dispense %s already exists", ledger.ErrValidation, payload.DispenseID)
		}
	case ledger.DispenseDeleted:
		// Removing the row sets ledger_events.dispense_id NULL via the
		// deferred FK; history rows survive.
		tag, err := tx.Exec(ctx, `
			DELETE FROM dispenses WHERE clinic_id = $1 AND dispense_id = $2
		`, ev.ClinicID, payload.DispenseID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: dispense %s", ledger.ErrNotFound, payload.DispenseID)
		}
	}
	return nil
}

func insertProjection(ctx context.Context, tx pgx.Tx, p ledger.Projection) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO vial_projections (clinic_id, vial_id, substance, lot_number, remaining_quantity, dispensed_total, status, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ClinicID, p.VialID, p.Substance, p.LotNumber, p.Remaining, p.DispensedTotal, string(p.Status), p.LastEventID, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: vial %s", ledger.ErrAlreadyRegistered, p.VialID)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapTimeout turns a transaction deadline into the retryable ErrTimeout
// sentinel callers branch on.
func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ledger.ErrTimeout, err)
	}
	return err
}

func upsertProjection(ctx context.Context, tx pgx.Tx, p ledger.Projection) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO vial_projections (clinic_id, vial_id, substance, lot_number, remaining_quantity, dispensed_total, status, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (clinic_id, vial_id) DO UPDATE
		SET remaining_quantity = EXCLUDED.remaining_quantity,
			dispensed_total = EXCLUDED.dispensed_total,
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at
	`, p.ClinicID, p.VialID, p.Substance, p.LotNumber, p.Remaining, p.DispensedTotal, string(p.Status), p.LastEventID, p.UpdatedAt)
	return err
}

func stageOutbox(ctx context.Context, tx pgx.Tx, ev ledger.Event, next ledger.Projection) error {
	body, err := json.Marshal(envelopeBody{
		Event:     ev.Payload,
		Remaining: next.Remaining.String(),
		Status:    string(next.Status),
		CausedBy:  ev.CausedBy,
	})
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(events.Envelope{
		EventID:       ev.EventID,
		ClinicID:      ev.ClinicID,
		OccurredAt:    ev.OccurredAt,
		AggregateType: events.AggregateTypeVial,
		AggregateID:   ev.VialID,
		EventType:     string(ev.Type),
		Payload:       body,
	})
	if err != nil {
		return err
	}
	_, err = insertOutbox(ctx, tx, models.OutboxEvent{
		EventID:     ev.EventID,
		ClinicID:    ev.ClinicID,
		AggregateID: ev.VialID,
		Topic:       events.TopicLedgerEvents,
		Payload:     envelope,
	})
	return err
}

type envelopeBody struct {
	Event     ledger.Payload `json:"event"`
	Remaining string         `json:"remaining_quantity"`
	Status    string         `json:"status"`
	CausedBy  *uuid.UUID     `json:"caused_by_event_id,omitempty"`
}

func listEventsAsc(ctx context.Context, db DBTX, clinicID uuid.UUID, vialID uuid.UUID) ([]ledger.Event, error) {
	rows, err := db.Query(ctx, `
		SELECT `+eventCols+`
		FROM ledger_events
		WHERE clinic_id = $1 AND vial_id = $2
		ORDER BY occurred_at ASC, seq ASC
	`, clinicID, vialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		ev, err := toDomainEvent(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
