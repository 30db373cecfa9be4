package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"clinic-inventory-ledger/internal/ledger"
	"clinic-inventory-ledger/internal/repos"
	"clinic-inventory-ledger/internal/service"
	"clinic-inventory-ledger/shared/authx"
	"clinic-inventory-ledger/shared/clinicx"
	"clinic-inventory-ledger/shared/httpx"
)

// Handler exposes the ledger over HTTP. Writes go through LedgerService,
// reads through QueryService; nothing here touches the database directly.
type Handler struct {
	Ledger *service.LedgerService
	Query  *service.QueryService
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/vials", h.registerVial)
	mux.HandleFunc("GET /api/v1/vials/{id}", h.currentState)
	mux.HandleFunc("GET /api/v1/vials/{id}/events", h.history)
	mux.HandleFunc("POST /api/v1/vials/{id}/adjustments", h.adjustVolume)
	mux.HandleFunc("POST /api/v1/vials/{id}/complete", h.completeVial)
	mux.HandleFunc("POST /api/v1/dispenses", h.createDispense)
	mux.HandleFunc("DELETE /api/v1/dispenses/{id}", h.deleteDispense)
	mux.HandleFunc("POST /api/v1/ledger/compensations", h.recordCompensation)
	mux.HandleFunc("GET /api/v1/ledger/events", h.searchEvents)
}

type registerVialRequest struct {
	EventID         *uuid.UUID      `json:"event_id"`
	VialID          *uuid.UUID      `json:"vial_id"`
	Substance       string          `json:"substance"`
	LotNumber       string          `json:"lot_number"`
	InitialQuantity decimal.Decimal `json:"initial_quantity"`
	OccurredAt      *time.Time      `json:"occurred_at"`
}

func (h *Handler) registerVial(w http.ResponseWriter, r *http.Request) {
	clinicID, recordedBy, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	var req registerVialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in := service.RegisterVialInput{
		ClinicID:        clinicID,
		VialID:          uuid.New(),
		Substance:       strings.TrimSpace(req.Substance),
		LotNumber:       strings.TrimSpace(req.LotNumber),
		InitialQuantity: req.InitialQuantity,
		RecordedBy:      recordedBy,
	}
	if req.EventID != nil {
		in.EventID = *req.EventID
	}
	if req.VialID != nil {
		in.VialID = *req.VialID
	}
	if req.OccurredAt != nil {
		in.OccurredAt = req.OccurredAt.UTC()
	}

	p, err := h.Ledger.RegisterVial(r.Context(), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) currentState(w http.ResponseWriter, r *http.Request) {
	clinicID, _, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	vialID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Query.CurrentState(r.Context(), clinicID, vialID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	clinicID, _, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	vialID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit := queryInt(r, "limit")
	offset := queryInt(r, "offset")

	evs, err := h.Query.History(r.Context(), clinicID, vialID, limit, offset)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"events": eventResponses(evs),
		"limit":  limit,
		"offset": offset,
	})
}

type adjustVolumeRequest struct {
	EventID    *uuid.UUID      `json:"event_id"`
	Delta      decimal.Decimal `json:"delta"`
	Reason     string          `json:"reason"`
	Correction bool            `json:"correction"`
	OccurredAt *time.Time      `json:"occurred_at"`
}

func (h *Handler) adjustVolume(w http.ResponseWriter, r *http.Request) {
	clinicID, recordedBy, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	vialID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req adjustVolumeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in := service.AdjustVolumeInput{
		ClinicID:   clinicID,
		VialID:     vialID,
		Delta:      req.Delta,
		Reason:     strings.TrimSpace(req.Reason),
		Correction: req.Correction,
		RecordedBy: recordedBy,
	}
	if req.EventID != nil {
		in.EventID = *req.EventID
	}
	if req.OccurredAt != nil {
		in.OccurredAt = req.OccurredAt.UTC()
	}

	p, err := h.Ledger.AdjustVolume(r.Context(), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

type completeVialRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) completeVial(w http.ResponseWriter, r *http.Request) {
	clinicID, recordedBy, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	vialID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req completeVialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.Ledger.CompleteVial(r.Context(), clinicID, vialID, strings.TrimSpace(req.Reason), recordedBy)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

type createDispenseRequest struct {
	EventID       *uuid.UUID      `json:"event_id"`
	DispenseID    *uuid.UUID      `json:"dispense_id"`
	VialID        uuid.UUID       `json:"vial_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	WasteQuantity decimal.Decimal `json:"waste_quantity"`
	OccurredAt    *time.Time      `json:"occurred_at"`
}

func (h *Handler) createDispense(w http.ResponseWriter, r *http.Request) {
	clinicID, recordedBy, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	var req createDispenseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VialID == uuid.Nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "vial_id is required", nil)
		return
	}

	in := service.CreateDispenseInput{
		ClinicID:      clinicID,
		VialID:        req.VialID,
		Quantity:      req.Quantity,
		WasteQuantity: req.WasteQuantity,
		RecordedBy:    recordedBy,
	}
	if req.EventID != nil {
		in.EventID = *req.EventID
	}
	if req.DispenseID != nil {
		in.DispenseID = *req.DispenseID
	}
	if req.OccurredAt != nil {
		in.OccurredAt = req.OccurredAt.UTC()
	}

	p, err := h.Ledger.CreateDispense(r.Context(), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) deleteDispense(w http.ResponseWriter, r *http.Request) {
	clinicID, recordedBy, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	dispenseID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))

	var eventID uuid.UUID
	if v := r.URL.Query().Get("event_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "event_id must be a UUID", nil)
			return
		}
		eventID = id
	}

	p, err := h.Ledger.DeleteDispense(r.Context(), clinicID, dispenseID, eventID, reason, recordedBy)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

type compensationRequest struct {
	EventID         *uuid.UUID `json:"event_id"`
	OriginalEventID uuid.UUID  `json:"original_event_id"`
	Reason          string     `json:"reason"`
}

func (h *Handler) recordCompensation(w http.ResponseWriter, r *http.Request) {
	clinicID, recordedBy, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	var req compensationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OriginalEventID == uuid.Nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "original_event_id is required", nil)
		return
	}

	var eventID uuid.UUID
	if req.EventID != nil {
		eventID = *req.EventID
	}

	p, err := h.Ledger.RecordCompensation(r.Context(), clinicID, req.OriginalEventID, eventID, strings.TrimSpace(req.Reason), recordedBy)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) searchEvents(w http.ResponseWriter, r *http.Request) {
	clinicID, _, ok := requestIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := repos.SearchFilter{
		ClinicID: clinicID,
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	}
	var bad []string
	if v := q.Get("vial_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			bad = append(bad, "vial_id")
		} else {
			f.VialID = &id
		}
	}
	if v := q.Get("dispense_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			bad = append(bad, "dispense_id")
		} else {
			f.DispenseID = &id
		}
	}
	if v := q.Get("caused_by"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			bad = append(bad, "caused_by")
		} else {
			f.CausedBy = &id
		}
	}
	if v := q.Get("event_type"); v != "" {
		f.EventTypes = strings.Split(v, ",")
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			bad = append(bad, "since")
		} else {
			f.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			bad = append(bad, "until")
		} else {
			f.Until = &t
		}
	}
	if len(bad) > 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid query parameters", map[string]any{"fields": bad})
		return
	}

	evs, err := h.Query.Search(r.Context(), f)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": eventResponses(evs)})
}

type eventResponse struct {
	EventID    uuid.UUID      `json:"event_id"`
	VialID     uuid.UUID      `json:"vial_id"`
	EventType  string         `json:"event_type"`
	Payload    ledger.Payload `json:"payload"`
	CausedBy   *uuid.UUID     `json:"caused_by_event_id,omitempty"`
	RecordedBy string         `json:"recorded_by,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func eventResponses(evs []ledger.Event) []eventResponse {
	out := make([]eventResponse, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventResponse{
			EventID:    ev.EventID,
			VialID:     ev.VialID,
			EventType:  string(ev.Type),
			Payload:    ev.Payload,
			CausedBy:   ev.CausedBy,
			RecordedBy: ev.RecordedBy,
			OccurredAt: ev.OccurredAt,
		})
	}
	return out
}

func requestIdentity(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	clinic, ok := clinicx.FromContext(r.Context())
	if !ok || clinic.ID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing clinic", nil)
		return uuid.Nil, "", false
	}
	clinicID, err := uuid.Parse(clinic.ID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid clinic id", nil)
		return uuid.Nil, "", false
	}
	recordedBy := ""
	if auth, ok := authx.FromContext(r.Context()); ok {
		recordedBy = auth.Subject
	}
	return clinicID, recordedBy, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) int {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientQuantity):
		httpx.WriteError(w, r, http.StatusConflict, "INSUFFICIENT_QUANTITY", err.Error(), nil)
	case errors.Is(err, ledger.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ledger.ErrVialCompleted), errors.Is(err, ledger.ErrAlreadyRegistered):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	case errors.Is(err, ledger.ErrTimeout):
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "TIMEOUT", err.Error(), nil)
	case errors.Is(err, ledger.ErrUnknownEventType):
		httpx.WriteError(w, r, http.StatusInternalServerError, "UNKNOWN_EVENT_TYPE", err.Error(), nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}
