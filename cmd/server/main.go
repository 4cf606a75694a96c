package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/noctislabs/noctis-pacs/internal/cache"
	"github.com/noctislabs/noctis-pacs/internal/config"
	"github.com/noctislabs/noctis-pacs/internal/database"
	"github.com/noctislabs/noctis-pacs/internal/delivery"
	"github.com/noctislabs/noctis-pacs/internal/handlers"
	"github.com/noctislabs/noctis-pacs/internal/ingest"
	"github.com/noctislabs/noctis-pacs/internal/middleware"
	"github.com/noctislabs/noctis-pacs/internal/render"
	"github.com/noctislabs/noctis-pacs/internal/repository"
	"github.com/noctislabs/noctis-pacs/internal/scp"
	"github.com/noctislabs/noctis-pacs/internal/store"
	"github.com/noctislabs/noctis-pacs/pkg/logger"
)

const ingestMaxRetries = 3

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting PACS core")

	// Connect to the metadata index
	dbConfig := database.Config{
		URL:      cfg.Index.URL,
		MaxConns: cfg.Index.MaxConns,
		LogLevel: cfg.Index.LogLevel,
	}

	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to metadata index")
	}
	defer database.Close()

	// Initialize object store
	objStore, err := store.New(cfg.Store.Root, cfg.Store.VerifyDigestOnRead)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.Store.Root).Msg("Failed to initialize object store")
	}

	// Initialize cache tiers
	l1 := cache.NewMemoryCache(cfg.IDS.Cache.L1Bytes)
	var redisCache *cache.RedisCache
	if cfg.IDS.Cache.L2URL != "" {
		redisCache, err = cache.NewRedisCache(cfg.IDS.Cache.L2URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Msg("Redis L2 cache initialized")
	}
	var tiered *cache.Tiered
	if redisCache != nil {
		tiered = cache.NewTiered(l1, redisCache)
	} else {
		tiered = cache.NewTiered(l1, nil)
	}
	defer tiered.Close()

	// Initialize repositories and pipelines
	indexRepo := repository.NewIndexRepository()
	pipeline := ingest.New(indexRepo, objStore, ingestMaxRetries)
	renderer := render.NewRenderer(cfg.IDS.RenderWorkers)
	deliverySvc := delivery.NewService(indexRepo, objStore, renderer, tiered, cfg.IDS.Cache)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler()
	navHandler := handlers.NewNavigationHandler(deliverySvc)
	imageHandler := handlers.NewImageHandler(deliverySvc)
	eventsHandler := handlers.NewEventsHandler(deliverySvc)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "X-Cache", "X-Image-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints (no rate limiting)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Image delivery API
	var rateCounter middleware.Counter
	if redisCache != nil {
		rateCounter = redisCache
	}
	r.Route(cfg.IDS.BasePath, func(r chi.Router) {
		r.Use(middleware.ClientIdentity)
		r.Use(middleware.RateLimit(cfg.IDS.RateLimit, rateCounter))
		r.Use(middleware.Deadline(cfg.IDS.RequestTimeout))

		r.Get("/studies/{studyUid}/series", navHandler.ListSeries)
		r.Get("/series/{seriesUid}/images", navHandler.ListImages)
		r.Get("/images/{instanceUid}", imageHandler.GetImage)
		r.Get("/images/{instanceUid}/thumbnail", imageHandler.GetThumbnail)
		r.Get("/presets", imageHandler.GetPresets)
		r.Get("/events", eventsHandler.ListEvents)
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.IDS.Bind,
		Handler:      r,
		ReadTimeout:  cfg.IDS.ReadTimeout,
		WriteTimeout: cfg.IDS.WriteTimeout,
	}

	// Root context cancelled on shutdown; stops the SCP accept loop
	rootCtx, stopSCP := context.WithCancel(context.Background())

	// Start the store SCP
	scpServer := scp.NewServer(cfg.SCP, pipeline, indexRepo, objStore)
	scpDone := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.SCP.Port).Str("ae_title", cfg.SCP.AETitle).Msg("Store SCP starting")
		scpDone <- scpServer.ListenAndServe(rootCtx)
	}()

	// Start HTTP server in a goroutine
	go func() {
		log.Info().Str("addr", cfg.IDS.Bind).Msg("Image delivery API starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal or SCP failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down...")
	case err := <-scpDone:
		if err != nil {
			log.Error().Err(err).Msg("Store SCP failed")
		}
	}

	// Graceful shutdown: stop accepting associations, drain HTTP
	stopSCP()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	select {
	case <-scpDone:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for associations to drain")
	}

	log.Info().Msg("Server stopped")
}
