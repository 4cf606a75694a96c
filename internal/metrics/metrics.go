package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssociationsActive tracks currently open DICOM associations.
	AssociationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pacs_scp_associations_active",
		Help: "Number of currently open DICOM associations",
	})

	// AssociationsTotal counts association outcomes.
	AssociationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacs_scp_associations_total",
		Help: "Total DICOM associations by outcome",
	}, []string{"outcome"})

	// IngestTotal counts ingested instances by result.
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacs_ingest_instances_total",
		Help: "Total ingested instances by result",
	}, []string{"result"})

	// IngestDuration measures full ingest pipeline latency per instance.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pacs_ingest_duration_seconds",
		Help:    "Time to stage, index and finalize one instance",
		Buckets: prometheus.DefBuckets,
	})

	// RenderDuration measures decode+window+encode latency.
	RenderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pacs_render_duration_seconds",
		Help:    "Time to render one image variant",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// CacheRequests counts rendered-image cache lookups by tier and result.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacs_cache_requests_total",
		Help: "Rendered artifact cache lookups by tier and result",
	}, []string{"tier", "result"})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacs_http_rate_limited_total",
		Help: "Requests rejected with 429",
	})

	// HTTPDuration measures delivery API latency by route and status.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pacs_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
