package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Apply folds one event into a projection. It is a pure function: same
// projection and event, same result. A zero-value Projection stands for a
// vial with no history; only vial_registered is valid there.
//
// Replaying every event of an aggregate through Apply in occurrence order
// must reproduce the stored projection exactly; the rebuild command relies
// on this.
func Apply(p Projection, e Event) (Projection, error) {
	if err := e.Validate(); err != nil {
		return Projection{}, err
	}

	if e.Type == TypeVialRegistered {
		if p.Registered() {
			return Projection{}, fmt.Errorf("%w: vial %s", ErrAlreadyRegistered, e.VialID)
		}
		reg := e.Payload.(VialRegistered)
		return Projection{
			ClinicID:       e.ClinicID,
			VialID:         e.VialID,
			Substance:      reg.Substance,
			LotNumber:      reg.LotNumber,
			Remaining:      reg.InitialQuantity,
			DispensedTotal: decimal.Zero,
			Status:         StatusActive,
			LastEventID:    e.EventID,
			UpdatedAt:      e.OccurredAt,
		}, nil
	}

	if !p.Registered() {
		return Projection{}, fmt.Errorf("%w: vial %s has no history", ErrNotFound, e.VialID)
	}

	next := p
	switch payload := e.Payload.(type) {
	case DispenseCreated:
		if p.Status == StatusCompleted {
			return Projection{}, fmt.Errorf("%w: vial %s", ErrVialCompleted, e.VialID)
		}
		drawn := payload.Quantity.Add(payload.WasteQuantity)
		remaining := p.Remaining.Sub(drawn)
		if remaining.IsNegative() {
			return Projection{}, fmt.Errorf("%w: %s requested, %s remaining",
				ErrInsufficientQuantity, drawn, p.Remaining)
		}
		next.Remaining = remaining
		next.DispensedTotal = p.DispensedTotal.Add(payload.Quantity)

	case DispenseDeleted:
		next.Remaining = p.Remaining.Add(payload.Quantity).Add(payload.WasteQuantity)
		next.DispensedTotal = p.DispensedTotal.Sub(payload.Quantity)
		if next.DispensedTotal.IsNegative() {
			next.DispensedTotal = decimal.Zero
		}

	case VolumeAdjusted:
		// Corrections are compensations and stay valid after completion;
		// ordinary adjustments are not.
		if p.Status == StatusCompleted && !payload.Correction {
			return Projection{}, fmt.Errorf("%w: vial %s", ErrVialCompleted, e.VialID)
		}
		remaining := p.Remaining.Add(payload.Delta)
		if remaining.IsNegative() {
			if !payload.Correction {
				return Projection{}, fmt.Errorf("%w: adjustment of %s exceeds %s remaining",
					ErrInsufficientQuantity, payload.Delta, p.Remaining)
			}
			remaining = decimal.Zero
		}
		next.Remaining = remaining

	case VolumeRestored:
		next.Remaining = p.Remaining.Add(payload.Amount)

	case VialCompleted:
		if !CanTransition(p.Status, StatusCompleted) {
			return Projection{}, fmt.Errorf("%w: cannot complete vial in status %q", ErrValidation, p.Status)
		}
		next.Status = StatusCompleted

	default:
		return Projection{}, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}

	next.LastEventID = e.EventID
	next.UpdatedAt = e.OccurredAt
	return next, nil
}

// Replay folds a sequence of events from an empty projection. Events must
// be in ascending occurrence order, ties broken by insertion order, exactly
// as the event store lists them.
func Replay(events []Event) (Projection, error) {
	var p Projection
	for _, e := range events {
		var err error
		p, err = Apply(p, e)
		if err != nil {
			return Projection{}, fmt.Errorf("replay event %s: %w", e.EventID, err)
		}
	}
	if !p.Registered() {
		return Projection{}, ErrNotFound
	}
	return p, nil
}
