package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/noctislabs/noctis-pacs/internal/cache"
	"github.com/noctislabs/noctis-pacs/internal/config"
	"github.com/noctislabs/noctis-pacs/internal/errs"
	"github.com/noctislabs/noctis-pacs/internal/metrics"
	"github.com/noctislabs/noctis-pacs/internal/models"
	"github.com/noctislabs/noctis-pacs/internal/render"
)

const thumbnailLongEdge = 256

// Index is the slice of the metadata index the delivery service reads.
type Index interface {
	GetInstance(ctx context.Context, sopUID string) (*models.Instance, error)
	GetSeriesModality(ctx context.Context, seriesKey uint) (string, error)
	ListSeries(ctx context.Context, studyUID string) ([]models.SeriesSummary, error)
	ListInstances(ctx context.Context, seriesUID string) ([]models.InstanceSummary, error)
	ListEvents(ctx context.Context, sinceSeq int64, limit int) ([]models.IngestEvent, error)
	RecordEvent(ctx context.Context, evt *models.IngestEvent) error
}

// Store opens stored instances for reading.
type Store interface {
	Open(storageKey, wantDigest string) (io.ReadSeekCloser, error)
}

// Service implements the interactive image delivery pipeline: resolve,
// fingerprint, cache, singleflight, render, respond.
type Service struct {
	index    Index
	store    Store
	renderer *render.Renderer
	cache    *cache.Tiered
	ttl      config.CacheConfig
	group    singleflight.Group
}

// NewService wires the delivery pipeline.
func NewService(index Index, store Store, renderer *render.Renderer, tiered *cache.Tiered, ttl config.CacheConfig) *Service {
	return &Service{
		index:    index,
		store:    store,
		renderer: renderer,
		cache:    tiered,
		ttl:      ttl,
	}
}

// ImageOptions are the caller-supplied rendering parameters.
type ImageOptions struct {
	Preset    string
	Width     *float64 // ww override
	Center    *float64 // wl override
	Invert    bool
	Thumbnail bool
}

// ImageMetadata describes the instance behind a rendered image.
type ImageMetadata struct {
	InstanceUID  string   `json:"instanceUid"`
	Rows         int      `json:"rows"`
	Cols         int      `json:"cols"`
	Modality     string   `json:"modality"`
	WindowCenter *float64 `json:"defaultWindowCenter,omitempty"`
	WindowWidth  *float64 `json:"defaultWindowWidth,omitempty"`
}

// ImageResult is one rendered (or cache-served) image.
type ImageResult struct {
	PNG      []byte
	Key      string // short fingerprint for X-Image-Key
	CacheHit bool
	Metadata ImageMetadata
}

// GetImage renders an instance with the effective window, serving repeated
// requests from the two-tier cache.
func (s *Service) GetImage(ctx context.Context, sopUID string, opts ImageOptions) (*ImageResult, error) {
	inst, err := s.index.GetInstance(ctx, sopUID)
	if err != nil {
		return nil, err
	}

	win, err := resolveWindow(inst, opts)
	if err != nil {
		return nil, err
	}

	longEdge := 0
	ttl := s.ttl.ImageTTL
	if opts.Thumbnail {
		longEdge = thumbnailLongEdge
		ttl = s.ttl.ThumbTTL
	}

	key := fingerprint(inst.SHA256, win, opts.Invert, "png", longEdge)
	meta := s.metadata(ctx, inst)

	if body, tier := s.cache.Get(ctx, key, ttl); tier != cache.TierNone {
		metrics.CacheRequests.WithLabelValues(string(tier), "hit").Inc()
		return &ImageResult{PNG: body, Key: shortKey(key), CacheHit: true, Metadata: meta}, nil
	}
	metrics.CacheRequests.WithLabelValues(string(cache.TierNone), "miss").Inc()

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Double-check under singleflight: the first loser of the race can
		// find the winner's bytes already cached.
		if body, tier := s.cache.Get(ctx, key, ttl); tier != cache.TierNone {
			return body, nil
		}
		body, err := s.renderFresh(ctx, inst, win, opts.Invert, longEdge)
		if err != nil {
			return nil, err
		}
		s.cache.Set(ctx, key, body, ttl)
		return body, nil
	})
	if err != nil {
		if errs.IsKind(err, errs.KindCorruptArtifact) {
			// Best-effort annotation; the read path stays up even if the
			// event insert fails.
			_ = s.index.RecordEvent(ctx, &models.IngestEvent{
				Result:         models.IngestCorruptArtifact,
				RejectReason:   "stored_object_unreadable",
				SOPInstanceUID: inst.SOPInstanceUID,
			})
		}
		return nil, err
	}

	return &ImageResult{PNG: v.([]byte), Key: shortKey(key), CacheHit: false, Metadata: meta}, nil
}

func (s *Service) renderFresh(ctx context.Context, inst *models.Instance, win *render.Window, invert bool, longEdge int) ([]byte, error) {
	src, err := s.store.Open(inst.StorageKey, inst.SHA256)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	res, err := s.renderer.Render(ctx, src, inst.FileSize, inst, win, invert, longEdge)
	if err != nil {
		return nil, err
	}
	return res.PNG, nil
}

func (s *Service) metadata(ctx context.Context, inst *models.Instance) ImageMetadata {
	modality := s.seriesModality(ctx, inst.SeriesKey)
	return ImageMetadata{
		InstanceUID:  inst.SOPInstanceUID,
		Rows:         inst.Rows,
		Cols:         inst.Columns,
		Modality:     modality,
		WindowCenter: inst.WindowCenter,
		WindowWidth:  inst.WindowWidth,
	}
}

// seriesModality resolves the modality for an instance's series through the
// cache. Modality is write-once at ingest, so a long TTL is safe.
func (s *Service) seriesModality(ctx context.Context, seriesKey uint) string {
	key := "meta:series-modality:" + strconv.FormatUint(uint64(seriesKey), 10)
	if body, _ := s.cache.Get(ctx, key, s.ttl.MetadataTTL); body != nil {
		return string(body)
	}
	modality, err := s.index.GetSeriesModality(ctx, seriesKey)
	if err != nil {
		return ""
	}
	if modality != "" {
		s.cache.Set(ctx, key, []byte(modality), s.ttl.MetadataTTL)
	}
	return modality
}

// ListSeries serves the study navigation listing through the L1 cache.
func (s *Service) ListSeries(ctx context.Context, studyUID string) ([]models.SeriesSummary, bool, error) {
	key := "listing:series:" + studyUID
	if body, tier := s.cache.Get(ctx, key, s.ttl.ListingTTL); tier != cache.TierNone {
		var out []models.SeriesSummary
		if err := json.Unmarshal(body, &out); err == nil {
			metrics.CacheRequests.WithLabelValues(string(tier), "hit").Inc()
			return out, true, nil
		}
	}

	out, err := s.index.ListSeries(ctx, studyUID)
	if err != nil {
		return nil, false, err
	}
	if body, err := json.Marshal(out); err == nil {
		s.cache.Set(ctx, key, body, s.ttl.ListingTTL)
	}
	return out, false, nil
}

// ListInstances serves the series navigation listing through the L1 cache.
func (s *Service) ListInstances(ctx context.Context, seriesUID string) ([]models.InstanceSummary, bool, error) {
	key := "listing:instances:" + seriesUID
	if body, tier := s.cache.Get(ctx, key, s.ttl.ListingTTL); tier != cache.TierNone {
		var out []models.InstanceSummary
		if err := json.Unmarshal(body, &out); err == nil {
			metrics.CacheRequests.WithLabelValues(string(tier), "hit").Inc()
			return out, true, nil
		}
	}

	out, err := s.index.ListInstances(ctx, seriesUID)
	if err != nil {
		return nil, false, err
	}
	if body, err := json.Marshal(out); err == nil {
		s.cache.Set(ctx, key, body, s.ttl.ListingTTL)
	}
	return out, false, nil
}

// ListEvents exposes the ingest log to polling subscribers.
func (s *Service) ListEvents(ctx context.Context, sinceSeq int64, limit int) ([]models.IngestEvent, error) {
	return s.index.ListEvents(ctx, sinceSeq, limit)
}

// resolveWindow applies the override order: explicit ww/wl beat a preset,
// which beats the instance's stored window. nil means derive from pixel
// statistics at render time.
func resolveWindow(inst *models.Instance, opts ImageOptions) (*render.Window, error) {
	if opts.Width != nil || opts.Center != nil {
		if opts.Width == nil || opts.Center == nil {
			return nil, errs.E(errs.KindBadRequest, "ww and wl must be provided together")
		}
		if *opts.Width <= 0 {
			return nil, errs.E(errs.KindBadRequest, "ww must be positive")
		}
		return &render.Window{Center: *opts.Center, Width: *opts.Width}, nil
	}
	if opts.Preset != "" {
		p, ok := render.LookupPreset(opts.Preset)
		if !ok {
			return nil, errs.Ef(errs.KindBadRequest, "unknown preset %q", opts.Preset)
		}
		return &render.Window{Center: p.Center, Width: p.Width}, nil
	}
	if inst.WindowCenter != nil && inst.WindowWidth != nil && *inst.WindowWidth > 0 {
		return &render.Window{Center: *inst.WindowCenter, Width: *inst.WindowWidth}, nil
	}
	return nil, nil
}

// fingerprint is the content-addressed cache key: the instance digest plus
// every parameter that changes the output bytes.
func fingerprint(instanceDigest string, win *render.Window, invert bool, format string, longEdge int) string {
	wc, ww := "auto", "auto"
	if win != nil {
		wc = strconv.FormatFloat(win.Center, 'g', -1, 64)
		ww = strconv.FormatFloat(win.Width, 'g', -1, 64)
	}
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%t|%s|%d", instanceDigest, wc, ww, invert, format, longEdge))
	return "img:" + hex.EncodeToString(h[:])
}

func shortKey(key string) string {
	if len(key) > 20 {
		return key[4:20]
	}
	return key
}
