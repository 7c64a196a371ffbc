package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"practice-sync/internal/engine"
	"practice-sync/internal/middleware"
	"practice-sync/internal/models"
	"practice-sync/internal/services/relay"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler serves the relay's HTTP surface.
type Handler struct {
	sessions  SessionDirectory
	entities  EntitySnapshots
	events    EventLog
	wsHandler *relay.WebSocketHandler
	log       *zap.SugaredLogger
}

func NewHandler(
	sessions SessionDirectory,
	entities EntitySnapshots,
	events EventLog,
	wsHandler *relay.WebSocketHandler,
	log *zap.SugaredLogger,
) *Handler {
	return &Handler{
		sessions:  sessions,
		entities:  entities,
		events:    events,
		wsHandler: wsHandler,
		log:       log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.SessionCount(),
	})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"sessions": h.sessions.Sessions(identity),
	})
}

// ListEntities returns identity's snapshots the relay wrote at or after ?since=.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	since, err := parseSince(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records, err := h.entities.ListReceivedSince(r.Context(), identity, since)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	entities := make([]models.Entity, 0, len(records))
	for _, rec := range records {
		entities = append(entities, rec.ToEntity())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"entities": entities,
	})
}

// ListEvents returns identity's relayed events after ?since=, at most ?limit=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	since, err := parseSince(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 100 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.events.Since(r.Context(), identity, since, limit)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	events := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		events = append(events, json.RawMessage(rec.Payload))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"events":   events,
		"limit":    limit,
	})
}

// StatusHandler serves the sync daemon's local status endpoints.
type StatusHandler struct {
	engine EngineStatus
}

func NewStatusHandler(e EngineStatus) *StatusHandler {
	return &StatusHandler{engine: e}
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  st.State,
	})
}

func (h *StatusHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	kind := models.EntityKind(mux.Vars(r)["kind"])

	entities, err := h.engine.LocalEntities(kind)
	if errors.Is(err, engine.ErrUnknownKind) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":     kind,
		"entities": entities,
	})
}

func parseSince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.New("since must be an RFC 3339 timestamp")
	}
	return since, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
