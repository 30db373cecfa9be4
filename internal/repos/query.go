package repos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinic-inventory-ledger/internal/ledger"
)

// QueryRepo is the facade's storage half: SELECT-only methods, so the read
// path is isolated from the write path by construction. Long report queries
// are aborted through ctx cancellation without touching ledger consistency.
type QueryRepo struct {
	pool *pgxpool.Pool
}

func NewQueryRepo(pool *pgxpool.Pool) *QueryRepo {
	return &QueryRepo{pool: pool}
}

func (r *QueryRepo) GetProjection(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error) {
	return getProjection(ctx, r.pool, clinicID, vialID)
}

// History lists a vial's events, newest first.
func (r *QueryRepo) History(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID, limit int, offset int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventCols+`
		FROM ledger_events
		WHERE clinic_id = $1 AND vial_id = $2
		ORDER BY occurred_at DESC, seq DESC
		LIMIT $3 OFFSET $4
	`, clinicID, vialID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEvents(rows)
}

// SearchFilter narrows an event search. Zero fields are ignored.
type SearchFilter struct {
	ClinicID   uuid.UUID
	VialID     *uuid.UUID
	DispenseID *uuid.UUID
	CausedBy   *uuid.UUID
	EventTypes []string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// Search is for operational debugging: arbitrary predicate over the event
// log, newest first.
func (r *QueryRepo) Search(ctx context.Context, f SearchFilter) ([]ledger.Event, error) {
	where := []string{"clinic_id = $1"}
	args := []any{f.ClinicID}

	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.VialID != nil {
		add("vial_id = $%d", *f.VialID)
	}
	if f.DispenseID != nil {
		add("payload->>'dispense_id' = $%d", f.DispenseID.String())
	}
	if f.CausedBy != nil {
		add("caused_by_event_id = $%d", *f.CausedBy)
	}
	if len(f.EventTypes) > 0 {
		add("event_type = ANY($%d)", f.EventTypes)
	}
	if f.Since != nil {
		add("occurred_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("occurred_at < $%d", *f.Until)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	query := `
		SELECT ` + eventCols + `
		FROM ledger_events
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY occurred_at DESC, seq DESC
		LIMIT $` + fmt.Sprint(len(args)-1) + ` OFFSET $` + fmt.Sprint(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListVialIDs pages through a clinic's vials for maintenance sweeps.
func (r *QueryRepo) ListVialIDs(ctx context.Context, clinicID uuid.UUID, limit int, offset int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT vial_id
		FROM vial_projections
		WHERE clinic_id = $1
		ORDER BY vial_id
		LIMIT $2 OFFSET $3
	`, clinicID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]ledger.Event, error) {
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
