package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the explicit configuration passed at startup. Every field is
// mirrored as NOCTIS_<SECTION>_<KEY> in the environment.
type Config struct {
	SCP     SCPConfig
	Store   StoreConfig
	Index   IndexConfig
	IDS     IDSConfig
	Log     LogConfig
	CORS    CORSConfig
	Metrics MetricsConfig
}

// SCPConfig configures the DICOM store SCP listener.
type SCPConfig struct {
	Port                   int      `validate:"gt=0,lte=65535"`
	AETitle                string   `validate:"required,max=16"`
	MaxAssociations        int      `validate:"gt=0"`
	MaxPDULength           uint32   `validate:"gte=4096"`
	AllowedCallingAETitles []string // empty = accept all
	IdleTimeout            time.Duration
	AssociationTimeout     time.Duration // 0 = unlimited
}

// StoreConfig configures the object store.
type StoreConfig struct {
	Root               string `validate:"required"`
	VerifyDigestOnRead bool
}

// IndexConfig configures the metadata index connection.
type IndexConfig struct {
	URL      string `validate:"required"`
	MaxConns int    `validate:"gt=0"`
	LogLevel string
}

// IDSConfig configures the image delivery service.
type IDSConfig struct {
	Bind           string `validate:"required"`
	BasePath       string `validate:"required,startswith=/"`
	RenderWorkers  int    `validate:"gt=0"`
	RateLimit      RateLimitConfig
	Cache          CacheConfig
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration // per-request context deadline, 0 = none
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	Requests int `validate:"gt=0"`
	Window   time.Duration
}

// CacheConfig configures the two cache tiers.
type CacheConfig struct {
	L1Bytes     int64  `validate:"gt=0"`
	L2URL       string // empty = L1 only
	ImageTTL    time.Duration
	MetadataTTL time.Duration
	ThumbTTL    time.Duration
	ListingTTL  time.Duration
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// CORSConfig configures cross-origin access to the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from the environment, with .env support for
// local development. Missing values fall back to defaults.
func Load() (*Config, error) {
	// .env is optional; ignore absence
	_ = godotenv.Load()

	cfg := &Config{
		SCP: SCPConfig{
			Port:                   envInt("NOCTIS_SCP_PORT", 11112),
			AETitle:                envString("NOCTIS_SCP_AE_TITLE", "STORE_SCP"),
			MaxAssociations:        envInt("NOCTIS_SCP_MAX_ASSOCIATIONS", 64),
			MaxPDULength:           uint32(envInt("NOCTIS_SCP_MAX_PDU_LENGTH", 16384)),
			AllowedCallingAETitles: envList("NOCTIS_SCP_ALLOWED_CALLING_AE_TITLES"),
			IdleTimeout:            envSeconds("NOCTIS_SCP_IDLE_TIMEOUT_SECONDS", 60),
			AssociationTimeout:     envSeconds("NOCTIS_SCP_ASSOCIATION_TIMEOUT_SECONDS", 0),
		},
		Store: StoreConfig{
			Root:               envString("NOCTIS_STORE_ROOT", "/var/lib/noctis/store"),
			VerifyDigestOnRead: envBool("NOCTIS_STORE_VERIFY_DIGEST_ON_READ", false),
		},
		Index: IndexConfig{
			URL:      envString("NOCTIS_INDEX_URL", ""),
			MaxConns: envInt("NOCTIS_INDEX_MAX_CONNS", 25),
			LogLevel: envString("NOCTIS_INDEX_LOG_LEVEL", "warn"),
		},
		IDS: IDSConfig{
			Bind:          envString("NOCTIS_IDS_BIND", ":8080"),
			BasePath:      envString("NOCTIS_IDS_BASE_PATH", "/api/v1/dicom"),
			RenderWorkers: envInt("NOCTIS_IDS_RENDER_WORKERS", runtime.NumCPU()),
			RateLimit: RateLimitConfig{
				Requests: envInt("NOCTIS_IDS_RATE_LIMIT_REQUESTS", 1000),
				Window:   envSeconds("NOCTIS_IDS_RATE_LIMIT_WINDOW_SECONDS", 60),
			},
			Cache: CacheConfig{
				L1Bytes:     envInt64("NOCTIS_IDS_CACHE_L1_BYTES", 256<<20),
				L2URL:       envString("NOCTIS_IDS_CACHE_L2_URL", ""),
				ImageTTL:    envSeconds("NOCTIS_IDS_CACHE_IMAGE_TTL_SECONDS", 1800),
				MetadataTTL: envSeconds("NOCTIS_IDS_CACHE_METADATA_TTL_SECONDS", 7200),
				ThumbTTL:    envSeconds("NOCTIS_IDS_CACHE_THUMB_TTL_SECONDS", 86400),
				ListingTTL:  envSeconds("NOCTIS_IDS_CACHE_LISTING_TTL_SECONDS", 60),
			},
			ReadTimeout:    envSeconds("NOCTIS_IDS_READ_TIMEOUT_SECONDS", 30),
			WriteTimeout:   envSeconds("NOCTIS_IDS_WRITE_TIMEOUT_SECONDS", 30),
			RequestTimeout: envSeconds("NOCTIS_IDS_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Log: LogConfig{
			Level:  envString("NOCTIS_LOG_LEVEL", "info"),
			Format: envString("NOCTIS_LOG_FORMAT", "json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: envListDefault("NOCTIS_CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: envListDefault("NOCTIS_CORS_ALLOWED_METHODS", []string{"GET", "OPTIONS"}),
			AllowedHeaders: envListDefault("NOCTIS_CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Client-ID"}),
		},
		Metrics: MetricsConfig{
			Enabled: envBool("NOCTIS_METRICS_ENABLED", true),
		},
	}

	return cfg, nil
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envListDefault(key string, def []string) []string {
	if out := envList(key); out != nil {
		return out
	}
	return def
}
