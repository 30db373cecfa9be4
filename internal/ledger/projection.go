package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Projection is the materialized current state of one vial: the
// deterministic fold of its events in occurrence order. It is owned by the
// ledger's write path; nothing else mutates it.
type Projection struct {
	ClinicID       uuid.UUID       `json:"clinic_id"`
	VialID         uuid.UUID       `json:"vial_id"`
	Substance      string          `json:"substance"`
	LotNumber      string          `json:"lot_number"`
	Remaining      decimal.Decimal `json:"remaining_quantity"`
	DispensedTotal decimal.Decimal `json:"dispensed_total"`
	Status         Status          `json:"status"`
	LastEventID    uuid.UUID       `json:"last_event_id"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Registered reports whether the projection has any history behind it.
func (p Projection) Registered() bool {
	return p.VialID != uuid.Nil
}

var statusTransitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusCompleted: true,
	},
}

func CanTransition(from Status, to Status) bool {
	if from == to {
		return false
	}
	next := statusTransitions[from]
	if next == nil {
		return false
	}
	return next[to]
}
