package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of a ledger event on Kafka. Payload carries the
// event's typed payload plus the projection state after the event was
// applied, so consumers can alert on remaining quantity without querying
// the ledger.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	ClinicID      uuid.UUID       `json:"clinic_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const AggregateTypeVial = "vial"

const (
	TopicLedgerEvents = "ledger.events"
	TopicLedgerAlerts = "ledger.alerts"
)
