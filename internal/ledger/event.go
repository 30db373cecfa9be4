package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	TypeVialRegistered  EventType = "vial_registered"
	TypeDispenseCreated EventType = "dispense_created"
	TypeDispenseDeleted EventType = "dispense_deleted"
	TypeVolumeAdjusted  EventType = "volume_adjusted"
	TypeVolumeRestored  EventType = "volume_restored"
	TypeVialCompleted   EventType = "vial_completed"
)

// Payload is the tagged variant carried by an event. One struct per event
// type, validated at the boundary; free-form JSON never reaches the fold.
type Payload interface {
	EventType() EventType
	Validate() error
}

type VialRegistered struct {
	Substance       string          `json:"substance"`
	LotNumber       string          `json:"lot_number"`
	InitialQuantity decimal.Decimal `json:"initial_quantity"`
}

func (VialRegistered) EventType() EventType { return TypeVialRegistered }

func (p VialRegistered) Validate() error {
	if p.Substance == "" {
		return fmt.Errorf("%w: substance is required", ErrValidation)
	}
	if !p.InitialQuantity.IsPositive() {
		return fmt.Errorf("%w: initial_quantity must be > 0", ErrValidation)
	}
	return nil
}

type DispenseCreated struct {
	DispenseID    uuid.UUID       `json:"dispense_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	WasteQuantity decimal.Decimal `json:"waste_quantity"`
}

func (DispenseCreated) EventType() EventType { return TypeDispenseCreated }

func (p DispenseCreated) Validate() error {
	if p.DispenseID == uuid.Nil {
		return fmt.Errorf("%w: dispense_id is required", ErrValidation)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be > 0", ErrValidation)
	}
	if p.WasteQuantity.IsNegative() {
		return fmt.Errorf("%w: waste_quantity must be >= 0", ErrValidation)
	}
	return nil
}

// DispenseDeleted restores what the original dispense (and its waste) drew
// from the vial. The dispense row itself is removed; this event is the only
// durable trace of the deletion.
type DispenseDeleted struct {
	DispenseID    uuid.UUID       `json:"dispense_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	WasteQuantity decimal.Decimal `json:"waste_quantity"`
	Reason        string          `json:"reason"`
}

func (DispenseDeleted) EventType() EventType { return TypeDispenseDeleted }

func (p DispenseDeleted) Validate() error {
	if p.DispenseID == uuid.Nil {
		return fmt.Errorf("%w: dispense_id is required", ErrValidation)
	}
	if p.Quantity.IsNegative() || p.WasteQuantity.IsNegative() {
		return fmt.Errorf("%w: restored quantities must be >= 0", ErrValidation)
	}
	return nil
}

type VolumeAdjusted struct {
	Delta      decimal.Decimal `json:"delta"`
	Reason     string          `json:"reason"`
	Correction bool            `json:"correction"`
}

func (VolumeAdjusted) EventType() EventType { return TypeVolumeAdjusted }

func (p VolumeAdjusted) Validate() error {
	if p.Delta.IsZero() {
		return fmt.Errorf("%w: delta must be non-zero", ErrValidation)
	}
	if p.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrValidation)
	}
	return nil
}

type VolumeRestored struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (VolumeRestored) EventType() EventType { return TypeVolumeRestored }

func (p VolumeRestored) Validate() error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0", ErrValidation)
	}
	return nil
}

type VialCompleted struct {
	Reason string `json:"reason"`
}

func (VialCompleted) EventType() EventType { return TypeVialCompleted }

func (VialCompleted) Validate() error { return nil }

// Event is an immutable ledger fact. Events are never updated or deleted;
// corrections are new events pointing back via CausedBy.
type Event struct {
	EventID    uuid.UUID
	ClinicID   uuid.UUID
	VialID     uuid.UUID
	Type       EventType
	Payload    Payload
	CausedBy   *uuid.UUID
	RecordedBy string
	OccurredAt time.Time
}

func (e Event) Validate() error {
	if e.EventID == uuid.Nil {
		return fmt.Errorf("%w: event_id is required", ErrValidation)
	}
	if e.ClinicID == uuid.Nil {
		return fmt.Errorf("%w: clinic_id is required", ErrValidation)
	}
	if e.VialID == uuid.Nil {
		return fmt.Errorf("%w: vial_id is required", ErrValidation)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if e.Type != e.Payload.EventType() {
		return fmt.Errorf("%w: payload does not match event type %q", ErrValidation, e.Type)
	}
	return e.Payload.Validate()
}

// IsCompensation reports whether the event restores state instead of
// depleting it. Compensations are exempt from the non-negative guard.
func (e Event) IsCompensation() bool {
	switch p := e.Payload.(type) {
	case DispenseDeleted, VolumeRestored:
		return true
	case VolumeAdjusted:
		return p.Correction
	default:
		return false
	}
}

// MarshalPayload encodes the typed payload for the jsonb column.
func (e Event) MarshalPayload() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrValidation)
	}
	return json.Marshal(e.Payload)
}

// UnmarshalPayload decodes a stored payload back into its tagged variant.
func UnmarshalPayload(t EventType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeVialRegistered:
		p = &VialRegistered{}
	case TypeDispenseCreated:
		p = &DispenseCreated{}
	case TypeDispenseDeleted:
		p = &DispenseDeleted{}
	case TypeVolumeAdjusted:
		p = &VolumeAdjusted{}
	case TypeVolumeRestored:
		p = &VolumeRestored{}
	case TypeVialCompleted:
		p = &VialCompleted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrValidation, t, err)
	}
	switch v := p.(type) {
	case *VialRegistered:
		return *v, nil
	case *DispenseCreated:
		return *v, nil
	case *DispenseDeleted:
		return *v, nil
	case *VolumeAdjusted:
		return *v, nil
	case *VolumeRestored:
		return *v, nil
	case *VialCompleted:
		return *v, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
}
