package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"clinic-inventory-ledger/internal/ledger"
	"clinic-inventory-ledger/internal/models"
	"clinic-inventory-ledger/shared/cachex"
	"clinic-inventory-ledger/shared/logx"
	"clinic-inventory-ledger/shared/metricsx"
)

// Store is the write-side persistence surface the service needs. LedgerRepo
// implements it; tests substitute an in-memory fake.
type Store interface {
	Record(ctx context.Context, ev ledger.Event) (ledger.Projection, bool, error)
	GetProjection(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error)
	GetEvent(ctx context.Context, clinicID uuid.UUID, eventID uuid.UUID) (ledger.Event, error)
	GetDispense(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID) (models.Dispense, error)
	FindDispenseEvent(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID) (ledger.Event, error)
}

// LedgerService turns API intents into ledger events. All mutations funnel
// through record, so metrics, logging and cache invalidation happen in one
// place.
type LedgerService struct {
	store  Store
	cache  *cachex.Client
	logger logx.Logger
}

func NewLedgerService(store Store, cache *cachex.Client, logger logx.Logger) *LedgerService {
	return &LedgerService{store: store, cache: cache, logger: logger}
}

type RegisterVialInput struct {
	EventID         uuid.UUID
	ClinicID        uuid.UUID
	VialID          uuid.UUID
	Substance       string
	LotNumber       string
	InitialQuantity decimal.Decimal
	RecordedBy      string
	OccurredAt      time.Time
}

func (s *LedgerService) RegisterVial(ctx context.Context, in RegisterVialInput) (ledger.Projection, error) {
	return s.record(ctx, ledger.Event{
		EventID:  in.EventID,
		ClinicID: in.ClinicID,
		VialID:   in.VialID,
		Type:     ledger.TypeVialRegistered,
		Payload: ledger.VialRegistered{
			Substance:       in.Substance,
			LotNumber:       in.LotNumber,
			InitialQuantity: in.InitialQuantity,
		},
		RecordedBy: in.RecordedBy,
		OccurredAt: in.OccurredAt,
	})
}

type CreateDispenseInput struct {
	EventID       uuid.UUID
	ClinicID      uuid.UUID
	VialID        uuid.UUID
	DispenseID    uuid.UUID
	Quantity      decimal.Decimal
	WasteQuantity decimal.Decimal
	RecordedBy    string
	OccurredAt    time.Time
}

func (s *LedgerService) CreateDispense(ctx context.Context, in CreateDispenseInput) (ledger.Projection, error) {
	if in.DispenseID == uuid.Nil {
		in.DispenseID = uuid.New()
	}
	return s.record(ctx, ledger.Event{
		EventID:  in.EventID,
		ClinicID: in.ClinicID,
		VialID:   in.VialID,
		Type:     ledger.TypeDispenseCreated,
		Payload: ledger.DispenseCreated{
			DispenseID:    in.DispenseID,
			Quantity:      in.Quantity,
			WasteQuantity: in.WasteQuantity,
		},
		RecordedBy: in.RecordedBy,
		OccurredAt: in.OccurredAt,
	})
}

// DeleteDispense emits the compensating dispense_deleted event. The event
// carries the quantities of the original dispense and points back at the
// dispense_created event; the dispense row itself goes away inside the same
// record transaction. A caller-supplied eventID makes the delete safe to
// retry; uuid.Nil means the service picks one.
func (s *LedgerService) DeleteDispense(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID, eventID uuid.UUID, reason string, recordedBy string) (ledger.Projection, error) {
	dispense, err := s.store.GetDispense(ctx, clinicID, dispenseID)
	if err != nil {
		if eventID != uuid.Nil && errors.Is(err, ledger.ErrNotFound) {
			// A retry after a committed delete finds the row gone but the
			// event recorded; answer with the current state instead of 404.
			if ev, evErr := s.store.GetEvent(ctx, clinicID, eventID); evErr == nil {
				metricsx.IncDuplicateEvent()
				return s.store.GetProjection(ctx, clinicID, ev.VialID)
			}
		}
		return ledger.Projection{}, err
	}
	original, err := s.store.FindDispenseEvent(ctx, clinicID, dispenseID)
	if err != nil {
		return ledger.Projection{}, err
	}
	causedBy := original.EventID
	return s.record(ctx, ledger.Event{
		EventID:  eventID,
		ClinicID: clinicID,
		VialID:   dispense.VialID,
		Type:     ledger.TypeDispenseDeleted,
		Payload: ledger.DispenseDeleted{
			DispenseID:    dispenseID,
			Quantity:      dispense.Quantity,
			WasteQuantity: dispense.WasteQuantity,
			Reason:        reason,
		},
		CausedBy:   &causedBy,
		RecordedBy: recordedBy,
	})
}

type AdjustVolumeInput struct {
	EventID    uuid.UUID
	ClinicID   uuid.UUID
	VialID     uuid.UUID
	Delta      decimal.Decimal
	Reason     string
	Correction bool
	RecordedBy string
	OccurredAt time.Time
}

func (s *LedgerService) AdjustVolume(ctx context.Context, in AdjustVolumeInput) (ledger.Projection, error) {
	return s.record(ctx, ledger.Event{
		EventID:  in.EventID,
		ClinicID: in.ClinicID,
		VialID:   in.VialID,
		Type:     ledger.TypeVolumeAdjusted,
		Payload: ledger.VolumeAdjusted{
			Delta:      in.Delta,
			Reason:     in.Reason,
			Correction: in.Correction,
		},
		RecordedBy: in.RecordedBy,
		OccurredAt: in.OccurredAt,
	})
}

func (s *LedgerService) CompleteVial(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID, reason string, recordedBy string) (ledger.Projection, error) {
	return s.record(ctx, ledger.Event{
		ClinicID:   clinicID,
		VialID:     vialID,
		Type:       ledger.TypeVialCompleted,
		Payload:    ledger.VialCompleted{Reason: reason},
		RecordedBy: recordedBy,
	})
}

// RecordCompensation loads a depleting event and appends its inverse. The
// original row is never touched; the new event points back at it through
// caused_by_event_id. A caller-supplied eventID dedupes retries so the
// restoration is applied once; uuid.Nil means the service picks one.
func (s *LedgerService) RecordCompensation(ctx context.Context, clinicID uuid.UUID, originalEventID uuid.UUID, eventID uuid.UUID, reason string, recordedBy string) (ledger.Projection, error) {
	original, err := s.store.GetEvent(ctx, clinicID, originalEventID)
	if err != nil {
		return ledger.Projection{}, err
	}

	var payload ledger.Payload
	switch p := original.Payload.(type) {
	case ledger.DispenseCreated:
		payload = ledger.VolumeRestored{
			Amount: p.Quantity.Add(p.WasteQuantity),
			Reason: reason,
		}
	case ledger.VolumeAdjusted:
		if !p.Delta.IsNegative() {
			return ledger.Projection{}, fmt.Errorf("%w: event %s did not deplete the vial", ledger.ErrValidation, originalEventID)
		}
		payload = ledger.VolumeAdjusted{
			Delta:      p.Delta.Neg(),
			Reason:     reason,
			Correction: true,
		}
	default:
		return ledger.Projection{}, fmt.Errorf("%w: event type %q cannot be compensated", ledger.ErrValidation, original.Type)
	}

	causedBy := original.EventID
	next, err := s.record(ctx, ledger.Event{
		EventID:    eventID,
		ClinicID:   clinicID,
		VialID:     original.VialID,
		Type:       payload.EventType(),
		Payload:    payload,
		CausedBy:   &causedBy,
		RecordedBy: recordedBy,
	})
	if err == nil {
		metricsx.IncCompensation()
	}
	return next, err
}

func (s *LedgerService) record(ctx context.Context, ev ledger.Event) (ledger.Projection, error) {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		metricsx.IncEventRejected(rejectionReason(err))
		return ledger.Projection{}, err
	}

	start := time.Now()
	next, recorded, err := s.store.Record(ctx, ev)
	metricsx.ObserveRecordLatency(time.Since(start))
	if err != nil {
		metricsx.IncEventRejected(rejectionReason(err))
		s.logger.Warn(ctx, "ledger_event_rejected", "event rejected",
			slog.String("error_code", rejectionReason(err)),
			slog.String("event_type", string(ev.Type)),
			slog.String("vial_id", ev.VialID.String()),
			slog.String("error", err.Error()),
		)
		return ledger.Projection{}, err
	}

	if !recorded {
		metricsx.IncDuplicateEvent()
		s.logger.Info(ctx, "ledger_event_duplicate", "duplicate event ignored",
			slog.String("event_id", ev.EventID.String()),
			slog.String("event_type", string(ev.Type)),
		)
		return next, nil
	}

	metricsx.IncEventRecorded(string(ev.Type))
	s.logger.Info(ctx, "ledger_event_recorded", "event recorded",
		slog.String("event_id", ev.EventID.String()),
		slog.String("event_type", string(ev.Type)),
		slog.String("vial_id", ev.VialID.String()),
		slog.String("remaining", next.Remaining.String()),
	)
	s.invalidateProjection(ctx, ev.ClinicID, ev.VialID)
	return next, nil
}

func (s *LedgerService) invalidateProjection(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, projectionCacheKey(clinicID, vialID)); err != nil {
		s.logger.Warn(ctx, "projection_cache_invalidate_failed", "cache invalidation failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("vial_id", vialID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func projectionCacheKey(clinicID uuid.UUID, vialID uuid.UUID) string {
	return "ledger:projection:" + clinicID.String() + ":" + vialID.String()
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientQuantity):
		return "INSUFFICIENT_QUANTITY"
	case errors.Is(err, ledger.ErrVialCompleted):
		return "VIAL_COMPLETED"
	case errors.Is(err, ledger.ErrAlreadyRegistered):
		return "ALREADY_REGISTERED"
	case errors.Is(err, ledger.ErrUnknownEventType):
		return "UNKNOWN_EVENT_TYPE"
	case errors.Is(err, ledger.ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ledger.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ledger.ErrValidation):
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL_ERROR"
	}
}
