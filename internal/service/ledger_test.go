package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"clinic-inventory-ledger/internal/ledger"
	"clinic-inventory-ledger/internal/models"
	"clinic-inventory-ledger/shared/logx"
)

// fakeStore folds events in memory with the same locking discipline the
// repo enforces: one writer per aggregate, duplicate event ids ignored.
type fakeStore struct {
	mu          sync.Mutex
	projections map[uuid.UUID]ledger.Projection
	events      map[uuid.UUID]ledger.Event
	dispenses   map[uuid.UUID]models.Dispense
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projections: make(map[uuid.UUID]ledger.Projection),
		events:      make(map[uuid.UUID]ledger.Event),
		dispenses:   make(map[uuid.UUID]models.Dispense),
	}
}

func (s *fakeStore) Record(ctx context.Context, ev ledger.Event) (ledger.Projection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.events[ev.EventID]; dup {
		return s.projections[ev.VialID], false, nil
	}
	next, err := ledger.Apply(s.projections[ev.VialID], ev)
	if err != nil {
		return ledger.Projection{}, false, err
	}
	switch p := ev.Payload.(type) {
	case ledger.DispenseCreated:
		s.dispenses[p.DispenseID] = models.Dispense{
			DispenseID:    p.DispenseID,
			ClinicID:      ev.ClinicID,
			VialID:        ev.VialID,
			Quantity:      p.Quantity,
			WasteQuantity: p.WasteQuantity,
		}
	case ledger.DispenseDeleted:
		delete(s.dispenses, p.DispenseID)
	}
	s.events[ev.EventID] = ev
	s.projections[ev.VialID] = next
	return next, true, nil
}

func (s *fakeStore) GetProjection(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projections[vialID]
	if !ok {
		return ledger.Projection{}, fmt.Errorf("%w: vial %s", ledger.ErrNotFound, vialID)
	}
	return p, nil
}

func (s *fakeStore) GetEvent(ctx context.Context, clinicID uuid.UUID, eventID uuid.UUID) (ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return ledger.Event{}, fmt.Errorf("%w: event %s", ledger.ErrNotFound, eventID)
	}
	return ev, nil
}

func (s *fakeStore) GetDispense(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID) (models.Dispense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispenses[dispenseID]
	if !ok {
		return models.Dispense{}, fmt.Errorf("%w: dispense %s", ledger.ErrNotFound, dispenseID)
	}
	return d, nil
}

func (s *fakeStore) FindDispenseEvent(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID) (ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if p, ok := ev.Payload.(ledger.DispenseCreated); ok && p.DispenseID == dispenseID {
			return ev, nil
		}
	}
	return ledger.Event{}, fmt.Errorf("%w: no dispense_created event for %s", ledger.ErrNotFound, dispenseID)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestService() (*LedgerService, *fakeStore) {
	store := newFakeStore()
	return NewLedgerService(store, nil, logx.New("test", "test", "", "error")), store
}

func registerVial(t *testing.T, svc *LedgerService, clinicID uuid.UUID, initial string) uuid.UUID {
	t.Helper()
	vialID := uuid.New()
	_, err := svc.RegisterVial(context.Background(), RegisterVialInput{
		ClinicID:        clinicID,
		VialID:          vialID,
		Substance:       "botulinum-a",
		LotNumber:       "LOT-1",
		InitialQuantity: dec(initial),
		RecordedBy:      "nurse-1",
	})
	if err != nil {
		t.Fatalf("register vial: %v", err)
	}
	return vialID
}

func TestDuplicateEventIDIsIdempotent(t *testing.T) {
	svc, store := newTestService()
	clinicID := uuid.New()
	vialID := registerVial(t, svc, clinicID, "10.0")

	eventID := uuid.New()
	in := CreateDispenseInput{
		EventID:    eventID,
		ClinicID:   clinicID,
		VialID:     vialID,
		DispenseID: uuid.New(),
		Quantity:   dec("3.0"),
		RecordedBy: "nurse-1",
	}
	first, err := svc.CreateDispense(context.Background(), in)
	if err != nil {
		t.Fatalf("first dispense: %v", err)
	}
	second, err := svc.CreateDispense(context.Background(), in)
	if err != nil {
		t.Fatalf("retry with same event id must succeed: %v", err)
	}
	if !first.Remaining.Equal(second.Remaining) {
		t.Fatalf("retry changed state: %s vs %s", first.Remaining, second.Remaining)
	}
	if !second.Remaining.Equal(dec("7.0")) {
		t.Fatalf("expected remaining 7.0, got %s", second.Remaining)
	}
	if len(store.events) != 2 {
		t.Fatalf("expected 2 events (register + one dispense), got %d", len(store.events))
	}
}

func TestConcurrentDispensesOneFails(t *testing.T) {
	svc, _ := newTestService()
	clinicID := uuid.New()
	vialID := registerVial(t, svc, clinicID, "10.0")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateDispense(context.Background(), CreateDispenseInput{
				ClinicID:   clinicID,
				VialID:     vialID,
				DispenseID: uuid.New(),
				Quantity:   dec("6.0"),
				RecordedBy: "nurse-1",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var failures int
	for err := range errs {
		if err != nil {
			if !errors.Is(err, ledger.ErrInsufficientQuantity) {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one insufficient-quantity failure, got %d", failures)
	}

	p, err := svc.store.GetProjection(context.Background(), clinicID, vialID)
	if err != nil {
		t.Fatalf("get projection: %v", err)
	}
	if !p.Remaining.Equal(dec("4.0")) {
		t.Fatalf("expected remaining 4.0, got %s", p.Remaining)
	}
}

func TestConcurrentRegisterOneFails(t *testing.T) {
	svc, store := newTestService()
	clinicID := uuid.New()
	vialID := uuid.New()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RegisterVial(context.Background(), RegisterVialInput{
				ClinicID:        clinicID,
				VialID:          vialID,
				Substance:       "botulinum-a",
				LotNumber:       "LOT-1",
				InitialQuantity: dec("10.0"),
				RecordedBy:      "nurse-1",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var failures int
	for err := range errs {
		if err != nil {
			if !errors.Is(err, ledger.ErrAlreadyRegistered) {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one already-registered failure, got %d", failures)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected a single vial_registered event, got %d", len(store.events))
	}
	p, err := store.GetProjection(context.Background(), clinicID, vialID)
	if err != nil {
		t.Fatalf("get projection: %v", err)
	}
	if !p.Remaining.Equal(dec("10.0")) {
		t.Fatalf("expected remaining 10.0, got %s", p.Remaining)
	}
}

func TestDeleteDispenseRestoresAndLinks(t *testing.T) {
	svc, store := newTestService()
	clinicID := uuid.New()
	vialID := registerVial(t, svc, clinicID, "10.0")

	dispenseID := uuid.New()
	_, err := svc.CreateDispense(context.Background(), CreateDispenseInput{
		ClinicID:      clinicID,
		VialID:        vialID,
		DispenseID:    dispenseID,
		Quantity:      dec("8.0"),
		WasteQuantity: dec("0.5"),
		RecordedBy:    "nurse-1",
	})
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	originalEvent, err := store.FindDispenseEvent(context.Background(), clinicID, dispenseID)
	if err != nil {
		t.Fatalf("find dispense event: %v", err)
	}

	p, err := svc.DeleteDispense(context.Background(), clinicID, dispenseID, uuid.Nil, "wrong patient", "nurse-2")
	if err != nil {
		t.Fatalf("delete dispense: %v", err)
	}
	if !p.Remaining.Equal(dec("10.0")) {
		t.Fatalf("expected remaining restored to 10.0, got %s", p.Remaining)
	}
	if _, ok := store.dispenses[dispenseID]; ok {
		t.Fatalf("dispense row should be gone")
	}

	var deletion *ledger.Event
	for _, ev := range store.events {
		if ev.Type == ledger.TypeDispenseDeleted {
			e := ev
			deletion = &e
		}
	}
	if deletion == nil {
		t.Fatalf("expected a dispense_deleted event in the ledger")
	}
	if deletion.CausedBy == nil || *deletion.CausedBy != originalEvent.EventID {
		t.Fatalf("deletion must reference the original dispense_created event")
	}
	// The original event survives.
	if _, err := store.GetEvent(context.Background(), clinicID, originalEvent.EventID); err != nil {
		t.Fatalf("original event must remain: %v", err)
	}
}

func TestDeleteUnknownDispense(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.DeleteDispense(context.Background(), uuid.New(), uuid.New(), uuid.Nil, "", "nurse-1")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordCompensationForDispense(t *testing.T) {
	svc, store := newTestService()
	clinicID := uuid.New()
	vialID := registerVial(t, svc, clinicID, "10.0")

	eventID := uuid.New()
	_, err := svc.CreateDispense(context.Background(), CreateDispenseInput{
		EventID:       eventID,
		ClinicID:      clinicID,
		VialID:        vialID,
		DispenseID:    uuid.New(),
		Quantity:      dec("4.0"),
		WasteQuantity: dec("1.0"),
		RecordedBy:    "nurse-1",
	})
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}

	p, err := svc.RecordCompensation(context.Background(), clinicID, eventID, uuid.Nil, "billing void", "supervisor")
	if err != nil {
		t.Fatalf("compensation: %v", err)
	}
	if !p.Remaining.Equal(dec("10.0")) {
		t.Fatalf("expected quantity and waste restored, got %s", p.Remaining)
	}

	var found bool
	for _, ev := range store.events {
		if ev.Type == ledger.TypeVolumeRestored {
			found = true
			if ev.CausedBy == nil || *ev.CausedBy != eventID {
				t.Fatalf("compensation must reference the original event")
			}
			restored := ev.Payload.(ledger.VolumeRestored)
			if !restored.Amount.Equal(dec("5.0")) {
				t.Fatalf("expected restored amount 5.0, got %s", restored.Amount)
			}
		}
	}
	if !found {
		t.Fatalf("expected a volume_restored event")
	}
}

func TestDeleteDispenseRetrySameEventID(t *testing.T) {
	svc, store := newTestService()
	clinicID := uuid.New()
	vialID := registerVial(t, svc, clinicID, "10.0")

	dispenseID := uuid.New()
	_, err := svc.CreateDispense(context.Background(), CreateDispenseInput{
		ClinicID:   clinicID,
		VialID:     vialID,
		DispenseID: dispenseID,
		Quantity:   dec("3.0"),
		RecordedBy: "nurse-1",
	})
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}

	deleteEventID := uuid.New()
	first, err := svc.DeleteDispense(context.Background(), clinicID, dispenseID, deleteEventID, "wrong patient", "nurse-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, err := svc.DeleteDispense(context.Background(), clinicID, dispenseID, deleteEventID, "wrong patient", "nurse-1")
	if err != nil {
		t.Fatalf("retry with same event id must succeed: %v", err)
	}
	if !first.Remaining.Equal(second.Remaining) || !second.Remaining.Equal(dec("10.0")) {
		t.Fatalf("retry changed state: %s vs %s", first.Remaining, second.Remaining)
	}

	var deletions int
	for _, ev := range store.events {
		if ev.Type == ledger.TypeDispenseDeleted {
			deletions++
		}
	}
	if deletions != 1 {
		t.Fatalf("expected a single dispense_deleted event, got %d", deletions)
	}
}

func TestRecordCompensationRetrySameEventID(t *testing.T) {
	svc, store := newTestService()
	clinicID := uuid.New()
	vialID := registerVial(t, svc, clinicID, "10.0")

	originalEventID := uuid.New()
	_, err := svc.CreateDispense(context.Background(), CreateDispenseInput{
		EventID:    originalEventID,
		ClinicID:   clinicID,
		VialID:     vialID,
		DispenseID: uuid.New(),
		Quantity:   dec("4.0"),
		RecordedBy: "nurse-1",
	})
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}

	compEventID := uuid.New()
	first, err := svc.RecordCompensation(context.Background(), clinicID, originalEventID, compEventID, "billing void", "supervisor")
	if err != nil {
		t.Fatalf("compensation: %v", err)
	}
	second, err := svc.RecordCompensation(context.Background(), clinicID, originalEventID, compEventID, "billing void", "supervisor")
	if err != nil {
		t.Fatalf("retry with same event id must succeed: %v", err)
	}
	if !first.Remaining.Equal(dec("10.0")) || !second.Remaining.Equal(dec("10.0")) {
		t.Fatalf("retry must not restore twice: %s vs %s", first.Remaining, second.Remaining)
	}

	var restorations int
	for _, ev := range store.events {
		if ev.Type == ledger.TypeVolumeRestored {
			restorations++
		}
	}
	if restorations != 1 {
		t.Fatalf("expected a single volume_restored event, got %d", restorations)
	}
}

func TestRecordCompensationForDepletingAdjustment(t *testing.T) {
	svc, _ := newTestService()
	clinicID := uuid.New()
	vialID := registerVial(t, svc, clinicID, "10.0")

	eventID := uuid.New()
	_, err := svc.AdjustVolume(context.Background(), AdjustVolumeInput{
		EventID:    eventID,
		ClinicID:   clinicID,
		VialID:     vialID,
		Delta:      dec("-3.0"),
		Reason:     "spill",
		RecordedBy: "nurse-1",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}

	p, err := svc.RecordCompensation(context.Background(), clinicID, eventID, uuid.Nil, "recount", "supervisor")
	if err != nil {
		t.Fatalf("compensation: %v", err)
	}
	if !p.Remaining.Equal(dec("10.0")) {
		t.Fatalf("expected remaining back to 10.0, got %s", p.Remaining)
	}
}

func TestRecordCompensationRejectsNonDepleting(t *testing.T) {
	svc, _ := newTestService()
	clinicID := uuid.New()
	vialID := registerVial(t, svc, clinicID, "10.0")

	eventID := uuid.New()
	_, err := svc.AdjustVolume(context.Background(), AdjustVolumeInput{
		EventID:    eventID,
		ClinicID:   clinicID,
		VialID:     vialID,
		Delta:      dec("2.0"),
		Reason:     "found extra",
		RecordedBy: "nurse-1",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	_, err = svc.RecordCompensation(context.Background(), clinicID, eventID, uuid.Nil, "oops", "supervisor")
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected ErrValidation for non-depleting original, got %v", err)
	}
}

func TestRegisterVialValidation(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.RegisterVial(context.Background(), RegisterVialInput{
		ClinicID:        uuid.New(),
		VialID:          uuid.New(),
		InitialQuantity: dec("5.0"),
	})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing substance, got %v", err)
	}
}
