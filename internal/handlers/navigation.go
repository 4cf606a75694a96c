package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noctislabs/noctis-pacs/internal/delivery"
	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/models"
)

// NavigationHandler serves the study/series browsing endpoints.
type NavigationHandler struct {
	svc *delivery.Service
}

func NewNavigationHandler(svc *delivery.Service) *NavigationHandler {
	return &NavigationHandler{svc: svc}
}

type seriesListResponse struct {
	Series []models.SeriesSummary `json:"series"`
}

type imageListResponse struct {
	Images []models.InstanceSummary `json:"images"`
}

// ListSeries handles GET /studies/{studyUid}/series
func (h *NavigationHandler) ListSeries(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUid")
	if studyUID == "" {
		writeError(w, r, errs.E(errs.KindBadRequest, "study UID is required"))
		return
	}

	series, cached, err := h.svc.ListSeries(r.Context(), studyUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if series == nil {
		series = []models.SeriesSummary{}
	}

	setCacheHeader(w, cached)
	writeJSON(w, http.StatusOK, seriesListResponse{Series: series})
}

// ListImages handles GET /series/{seriesUid}/images
func (h *NavigationHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	seriesUID := chi.URLParam(r, "seriesUid")
	if seriesUID == "" {
		writeError(w, r, errs.E(errs.KindBadRequest, "series UID is required"))
		return
	}

	images, cached, err := h.svc.ListInstances(r.Context(), seriesUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if images == nil {
		images = []models.InstanceSummary{}
	}

	setCacheHeader(w, cached)
	writeJSON(w, http.StatusOK, imageListResponse{Images: images})
}

func setCacheHeader(w http.ResponseWriter, hit bool) {
	if hit {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
}
