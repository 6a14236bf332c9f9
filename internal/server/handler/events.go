package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

// StreamReader reads a durable event stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler replays the position event stream.
type EventsHandler struct {
	reader StreamReader
	stream string
	logger *slog.Logger
}

// NewEventsHandler serves entries of stream from reader.
func NewEventsHandler(reader StreamReader, stream string, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{reader: reader, stream: stream, logger: logger}
}

type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents returns entries after the given stream id ("0" replays from the
// start). Pass the returned next id as after to page forward.
// GET /api/events?after=0&limit=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := queryInt(r, "limit", defaultEventsLimit)
	if limit == 0 || limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	msgs, err := h.reader.StreamRead(r.Context(), h.stream, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read event stream",
			slog.String("after", after), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "event stream unavailable")
		return
	}

	events := make([]streamEvent, 0, len(msgs))
	next := after
	for _, m := range msgs {
		ev := streamEvent{ID: m.ID, Event: m.Payload}
		if !json.Valid(m.Payload) {
			// Keep the entry readable rather than failing the page.
			raw, _ := json.Marshal(string(m.Payload))
			ev.Event = raw
		}
		events = append(events, ev)
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}
