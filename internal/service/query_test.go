package service

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"clinic-inventory-ledger/internal/ledger"
	"clinic-inventory-ledger/internal/repos"
	"clinic-inventory-ledger/shared/logx"
)

type fakeQueryStore struct {
	lastLimit  int
	lastOffset int
	projection ledger.Projection
}

func (s *fakeQueryStore) GetProjection(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error) {
	return s.projection, nil
}

func (s *fakeQueryStore) History(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID, limit int, offset int) ([]ledger.Event, error) {
	s.lastLimit = limit
	s.lastOffset = offset
	return nil, nil
}

func (s *fakeQueryStore) Search(ctx context.Context, f repos.SearchFilter) ([]ledger.Event, error) {
	s.lastLimit = f.Limit
	s.lastOffset = f.Offset
	return nil, nil
}

func TestHistoryClampsLimit(t *testing.T) {
	store := &fakeQueryStore{}
	svc := NewQueryService(store, nil, 0, 100, logx.New("test", "test", "", "error"))

	if _, err := svc.History(context.Background(), uuid.New(), uuid.New(), 10000, -5); err != nil {
		t.Fatalf("history: %v", err)
	}
	if store.lastLimit != 100 {
		t.Fatalf("expected limit clamped to 100, got %d", store.lastLimit)
	}
	if store.lastOffset != 0 {
		t.Fatalf("expected negative offset reset to 0, got %d", store.lastOffset)
	}

	if _, err := svc.History(context.Background(), uuid.New(), uuid.New(), 0, 10); err != nil {
		t.Fatalf("history: %v", err)
	}
	if store.lastLimit != 50 {
		t.Fatalf("expected default limit 50, got %d", store.lastLimit)
	}
}

func TestSearchClampsLimit(t *testing.T) {
	store := &fakeQueryStore{}
	svc := NewQueryService(store, nil, 0, 100, logx.New("test", "test", "", "error"))

	if _, err := svc.Search(context.Background(), repos.SearchFilter{ClinicID: uuid.New(), Limit: 500}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if store.lastLimit != 100 {
		t.Fatalf("expected limit clamped to 100, got %d", store.lastLimit)
	}
}

func TestCurrentStateWithoutCache(t *testing.T) {
	store := &fakeQueryStore{projection: ledger.Projection{VialID: uuid.New(), Status: ledger.StatusActive}}
	svc := NewQueryService(store, nil, 0, 100, logx.New("test", "test", "", "error"))

	p, err := svc.CurrentState(context.Background(), uuid.New(), store.projection.VialID)
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if p.VialID != store.projection.VialID {
		t.Fatalf("unexpected projection returned")
	}
}
