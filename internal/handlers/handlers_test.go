package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"clinic-inventory-ledger/internal/ledger"
	"clinic-inventory-ledger/internal/models"
	"clinic-inventory-ledger/internal/repos"
	"clinic-inventory-ledger/internal/service"
	"clinic-inventory-ledger/shared/clinicx"
	"clinic-inventory-ledger/shared/httpx"
	"clinic-inventory-ledger/shared/logx"
)

type memStore struct {
	mu          sync.Mutex
	projections map[uuid.UUID]ledger.Projection
	events      []ledger.Event
	eventIDs    map[uuid.UUID]bool
	dispenses   map[uuid.UUID]models.Dispense
}

func newMemStore() *memStore {
	return &memStore{
		projections: make(map[uuid.UUID]ledger.Projection),
		eventIDs:    make(map[uuid.UUID]bool),
		dispenses:   make(map[uuid.UUID]models.Dispense),
	}
}

func (s *memStore) Record(ctx context.Context, ev ledger.Event) (ledger.Projection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventIDs[ev.EventID] {
		return s.projections[ev.VialID], false, nil
	}
	next, err := ledger.Apply(s.projections[ev.VialID], ev)
	if err != nil {
		return ledger.Projection{}, false, err
	}
	if p, ok := ev.Payload.(ledger.DispenseCreated); ok {
		s.dispenses[p.DispenseID] = models.Dispense{
			DispenseID: p.DispenseID, ClinicID: ev.ClinicID, VialID: ev.VialID,
			Quantity: p.Quantity, WasteQuantity: p.WasteQuantity,
		}
	}
	if p, ok := ev.Payload.(ledger.DispenseDeleted); ok {
		delete(s.dispenses, p.DispenseID)
	}
	s.eventIDs[ev.EventID] = true
	s.events = append(s.events, ev)
	s.projections[ev.VialID] = next
	return next, true, nil
}

func (s *memStore) GetProjection(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projections[vialID]
	if !ok {
		return ledger.Projection{}, fmt.Errorf("%w: vial %s", ledger.ErrNotFound, vialID)
	}
	return p, nil
}

func (s *memStore) GetEvent(ctx context.Context, clinicID uuid.UUID, eventID uuid.UUID) (ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.EventID == eventID {
			return ev, nil
		}
	}
	return ledger.Event{}, fmt.Errorf("%w: event %s", ledger.ErrNotFound, eventID)
}

func (s *memStore) GetDispense(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID) (models.Dispense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispenses[dispenseID]
	if !ok {
		return models.Dispense{}, fmt.Errorf("%w: dispense %s", ledger.ErrNotFound, dispenseID)
	}
	return d, nil
}

func (s *memStore) FindDispenseEvent(ctx context.Context, clinicID uuid.UUID, dispenseID uuid.UUID) (ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if p, ok := ev.Payload.(ledger.DispenseCreated); ok && p.DispenseID == dispenseID {
			return ev, nil
		}
	}
	return ledger.Event{}, fmt.Errorf("%w: no dispense_created event for %s", ledger.ErrNotFound, dispenseID)
}

// read side over the same fold

func (s *memStore) History(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID, limit int, offset int) ([]ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].VialID == vialID {
			out = append(out, s.events[i])
		}
	}
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Search(ctx context.Context, f repos.SearchFilter) ([]ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if f.VialID != nil && ev.VialID != *f.VialID {
			continue
		}
		if len(f.EventTypes) > 0 {
			match := false
			for _, t := range f.EventTypes {
				if string(ev.Type) == t {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memStore, uuid.UUID) {
	t.Helper()
	store := newMemStore()
	logger := logx.New("test", "test", "", "error")
	h := &Handler{
		Ledger: service.NewLedgerService(store, nil, logger),
		Query:  service.NewQueryService(store, nil, 0, 100, logger),
	}
	mux := http.NewServeMux()
	h.Register(mux)

	clinicID := uuid.New()
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := clinicx.WithClinic(r.Context(), clinicx.ClinicContext{ID: clinicID.String(), Slug: "main-street"})
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
	srv := httptest.NewServer(wrapped)
	t.Cleanup(srv.Close)
	return srv, store, clinicID
}

func doJSON(t *testing.T, method string, url string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// decodable mirror of the wire shape; the response type carries the payload
// as a typed interface, which json.Unmarshal cannot fill.
type eventJSON struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CausedBy  *uuid.UUID      `json:"caused_by_event_id"`
}

func registerTestVial(t *testing.T, srv *httptest.Server, initial string) uuid.UUID {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/vials",
		fmt.Sprintf(`{"substance":"botulinum-a","lot_number":"LOT-1","initial_quantity":"%s"}`, initial))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register vial: status %d body %s", resp.StatusCode, body)
	}
	var p ledger.Projection
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode projection: %v", err)
	}
	return p.VialID
}

func TestRegisterAndReadVial(t *testing.T) {
	srv, _, _ := newTestServer(t)
	vialID := registerTestVial(t, srv, "10.0")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/vials/"+vialID.String(), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("current state: status %d", resp.StatusCode)
	}
	var p ledger.Projection
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Remaining.Equal(decimal.RequireFromString("10.0")) {
		t.Fatalf("expected remaining 10.0, got %s", p.Remaining)
	}
}

func TestRegisterVialRejectsMissingSubstance(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/vials", `{"initial_quantity":"5.0"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var env httpx.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Error.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT, got %q", env.Error.Code)
	}
}

func TestDispenseInsufficientQuantity(t *testing.T) {
	srv, _, _ := newTestServer(t)
	vialID := registerTestVial(t, srv, "5.0")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/dispenses",
		fmt.Sprintf(`{"vial_id":"%s","quantity":"6.0"}`, vialID))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, body)
	}
	var env httpx.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Error.Code != "INSUFFICIENT_QUANTITY" {
		t.Fatalf("expected INSUFFICIENT_QUANTITY, got %q", env.Error.Code)
	}
}

func TestDispenseDeleteFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	vialID := registerTestVial(t, srv, "10.0")

	dispenseID := uuid.New()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/dispenses",
		fmt.Sprintf(`{"vial_id":"%s","dispense_id":"%s","quantity":"8.0"}`, vialID, dispenseID))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("dispense: status %d body %s", resp.StatusCode, body)
	}
	var p ledger.Projection
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Remaining.Equal(decimal.RequireFromString("2.0")) {
		t.Fatalf("expected remaining 2.0, got %s", p.Remaining)
	}

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/dispenses/"+dispenseID.String()+"?reason=wrong+patient", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d body %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Remaining.Equal(decimal.RequireFromString("10.0")) {
		t.Fatalf("expected remaining restored to 10.0, got %s", p.Remaining)
	}

	// Both the dispense and its deletion stay in the history.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/vials/"+vialID.String()+"/events", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status %d", resp.StatusCode)
	}
	var history struct {
		Events []eventJSON `json:"events"`
	}
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	var sawCreate, sawDelete bool
	for _, ev := range history.Events {
		switch ev.EventType {
		case string(ledger.TypeDispenseCreated):
			sawCreate = true
		case string(ledger.TypeDispenseDeleted):
			sawDelete = true
		}
	}
	if !sawCreate || !sawDelete {
		t.Fatalf("expected both dispense events in history, got %+v", history.Events)
	}
}

func TestCurrentStateNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/vials/"+uuid.NewString(), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var env httpx.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %q", env.Error.Code)
	}
}

func TestCompleteThenDispenseRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	vialID := registerTestVial(t, srv, "10.0")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/vials/"+vialID.String()+"/complete", `{"reason":"expired"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/dispenses",
		fmt.Sprintf(`{"vial_id":"%s","quantity":"1.0"}`, vialID))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, body)
	}
	var env httpx.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Error.Code != "FAILED_PRECONDITION" {
		t.Fatalf("expected FAILED_PRECONDITION, got %q", env.Error.Code)
	}
}

func TestCompensationEndpoint(t *testing.T) {
	srv, store, clinicID := newTestServer(t)
	vialID := registerTestVial(t, srv, "10.0")

	eventID := uuid.New()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/dispenses",
		fmt.Sprintf(`{"event_id":"%s","vial_id":"%s","quantity":"4.0"}`, eventID, vialID))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("dispense: status %d body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/ledger/compensations",
		fmt.Sprintf(`{"original_event_id":"%s","reason":"billing void"}`, eventID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compensation: status %d body %s", resp.StatusCode, body)
	}
	var p ledger.Projection
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Remaining.Equal(decimal.RequireFromString("10.0")) {
		t.Fatalf("expected remaining 10.0, got %s", p.Remaining)
	}

	if _, err := store.GetEvent(context.Background(), clinicID, eventID); err != nil {
		t.Fatalf("original event must survive compensation: %v", err)
	}
}

func TestDuplicateEventIDReturnsSameState(t *testing.T) {
	srv, _, _ := newTestServer(t)
	vialID := registerTestVial(t, srv, "10.0")

	eventID := uuid.New()
	payload := fmt.Sprintf(`{"event_id":"%s","vial_id":"%s","quantity":"3.0"}`, eventID, vialID)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/dispenses", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first dispense: status %d", resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/dispenses", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("duplicate must not fail: status %d body %s", resp.StatusCode, body)
	}
	var p ledger.Projection
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Remaining.Equal(decimal.RequireFromString("7.0")) {
		t.Fatalf("duplicate must not double-subtract, got %s", p.Remaining)
	}
}

func TestSearchFilterByType(t *testing.T) {
	srv, _, _ := newTestServer(t)
	vialID := registerTestVial(t, srv, "10.0")
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/dispenses",
		fmt.Sprintf(`{"vial_id":"%s","quantity":"2.0"}`, vialID))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("dispense: status %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/ledger/events?vial_id="+vialID.String()+"&event_type=dispense_created", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search: status %d", resp.StatusCode)
	}
	var out struct {
		Events []eventJSON `json:"events"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) != 1 || out.Events[0].EventType != string(ledger.TypeDispenseCreated) {
		t.Fatalf("expected exactly the dispense_created event, got %+v", out.Events)
	}
}

func TestMissingClinicContext(t *testing.T) {
	store := newMemStore()
	logger := logx.New("test", "test", "", "error")
	h := &Handler{
		Ledger: service.NewLedgerService(store, nil, logger),
		Query:  service.NewQueryService(store, nil, 0, 100, logger),
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/vials",
		`{"substance":"botulinum-a","initial_quantity":"5.0"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without clinic context, got %d: %s", resp.StatusCode, body)
	}
}
