package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/noctislabs/noctis-pacs/internal/delivery"
	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/render"
)

// ImageHandler serves rendered images, thumbnails and the preset listing.
type ImageHandler struct {
	svc *delivery.Service
}

func NewImageHandler(svc *delivery.Service) *ImageHandler {
	return &ImageHandler{svc: svc}
}

type imageJSONResponse struct {
	DataURL  string                 `json:"dataUrl"`
	Metadata delivery.ImageMetadata `json:"metadata"`
	CacheHit bool                   `json:"cacheHit"`
}

// GetImage handles GET /images/{instanceUid}
func (h *ImageHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	instanceUID := chi.URLParam(r, "instanceUid")
	if instanceUID == "" {
		writeError(w, r, errs.E(errs.KindBadRequest, "instance UID is required"))
		return
	}

	opts, format, err := parseImageOptions(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.GetImage(r.Context(), instanceUID, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if format == "json" {
		setImageHeaders(w, res)
		writeJSON(w, http.StatusOK, imageJSONResponse{
			DataURL:  "data:image/png;base64," + base64.StdEncoding.EncodeToString(res.PNG),
			Metadata: res.Metadata,
			CacheHit: res.CacheHit,
		})
		return
	}

	setImageHeaders(w, res)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PNG)))
	w.Write(res.PNG)
}

// GetThumbnail handles GET /images/{instanceUid}/thumbnail
func (h *ImageHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	instanceUID := chi.URLParam(r, "instanceUid")
	if instanceUID == "" {
		writeError(w, r, errs.E(errs.KindBadRequest, "instance UID is required"))
		return
	}

	res, err := h.svc.GetImage(r.Context(), instanceUID, delivery.ImageOptions{Thumbnail: true})
	if err != nil {
		writeError(w, r, err)
		return
	}

	setImageHeaders(w, res)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PNG)))
	w.Write(res.PNG)
}

// GetPresets handles GET /presets
func (h *ImageHandler) GetPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]render.Preset{"presets": render.Presets()})
}

func setImageHeaders(w http.ResponseWriter, res *delivery.ImageResult) {
	setCacheHeader(w, res.CacheHit)
	w.Header().Set("X-Image-Key", res.Key)
	w.Header().Set("X-Image-Rows", strconv.Itoa(res.Metadata.Rows))
	w.Header().Set("X-Image-Cols", strconv.Itoa(res.Metadata.Cols))
	if res.Metadata.Modality != "" {
		w.Header().Set("X-Image-Modality", res.Metadata.Modality)
	}
	if res.Metadata.WindowCenter != nil && res.Metadata.WindowWidth != nil {
		w.Header().Set("X-Image-Default-Window",
			fmt.Sprintf("%g/%g", *res.Metadata.WindowCenter, *res.Metadata.WindowWidth))
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
}

func parseImageOptions(r *http.Request) (delivery.ImageOptions, string, error) {
	q := r.URL.Query()
	opts := delivery.ImageOptions{Preset: q.Get("preset")}

	if raw := q.Get("ww"); raw != "" {
		ww, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return opts, "", errs.Ef(errs.KindBadRequest, "invalid ww value %q", raw)
		}
		if ww <= 0 {
			return opts, "", errs.E(errs.KindBadRequest, "ww must be positive")
		}
		opts.Width = &ww
	}
	if raw := q.Get("wl"); raw != "" {
		wl, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return opts, "", errs.Ef(errs.KindBadRequest, "invalid wl value %q", raw)
		}
		opts.Center = &wl
	}
	if raw := q.Get("invert"); raw != "" {
		invert, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, "", errs.Ef(errs.KindBadRequest, "invalid invert value %q", raw)
		}
		opts.Invert = invert
	}

	format := q.Get("format")
	if format == "" {
		format = "png"
	}
	if format != "png" && format != "json" {
		return opts, "", errs.Ef(errs.KindBadRequest, "unsupported format %q", format)
	}
	return opts, format, nil
}
