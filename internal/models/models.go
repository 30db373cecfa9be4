package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Clinic struct {
	ClinicID  uuid.UUID
	Slug      string
	Name      string
	CreatedAt time.Time
}

// LedgerEvent is one immutable row in ledger_events. DispenseID is a weak
// back-reference: deleting a dispense sets it NULL, never removes the row.
type LedgerEvent struct {
	EventID    uuid.UUID
	ClinicID   uuid.UUID
	VialID     uuid.UUID
	EventType  string
	DispenseID *uuid.UUID
	CausedBy   *uuid.UUID
	Payload    []byte
	RecordedBy string
	OccurredAt time.Time
}

// VialProjection is the mutable current state, written only inside the
// ledger's record transaction.
type VialProjection struct {
	ClinicID       uuid.UUID
	VialID         uuid.UUID
	Substance      string
	LotNumber      string
	Remaining      decimal.Decimal
	DispensedTotal decimal.Decimal
	Status         string
	LastEventID    uuid.UUID
	UpdatedAt      time.Time
}

type Dispense struct {
	DispenseID    uuid.UUID
	ClinicID      uuid.UUID
	VialID        uuid.UUID
	Quantity      decimal.Decimal
	WasteQuantity decimal.Decimal
	RecordedBy    string
	CreatedAt     time.Time
}

type OutboxEvent struct {
	EventID     uuid.UUID
	ClinicID    uuid.UUID
	AggregateID uuid.UUID
	Topic       string
	Payload     []byte
	Status      string
	Attempts    int
	NextRetryAt *time.Time
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt *time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	ClinicID     uuid.UUID
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
