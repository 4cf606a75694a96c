package handlers

import (
	"net/http"
	"strconv"

	"github.com/noctislabs/noctis-pacs/internal/delivery"
	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/models"
)

// EventsHandler exposes the ingest log to polling subscribers such as
// downstream analysis pipelines.
type EventsHandler struct {
	svc *delivery.Service
}

func NewEventsHandler(svc *delivery.Service) *EventsHandler {
	return &EventsHandler{svc: svc}
}

type eventsResponse struct {
	Events  []models.IngestEvent `json:"events"`
	NextSeq int64                `json:"nextSeq"`
}

// ListEvents handles GET /events?since=<seq>&limit=<n>
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var sinceSeq int64
	if raw := q.Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, errs.Ef(errs.KindBadRequest, "invalid since value %q", raw))
			return
		}
		sinceSeq = n
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, errs.Ef(errs.KindBadRequest, "invalid limit value %q", raw))
			return
		}
		limit = n
	}

	events, err := h.svc.ListEvents(r.Context(), sinceSeq, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.IngestEvent{}
	}

	nextSeq := sinceSeq
	for _, e := range events {
		if e.Seq > nextSeq {
			nextSeq = e.Seq
		}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, NextSeq: nextSeq})
}
