package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"athenaeum"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"athenaeum"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`

	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY"`
	EmbedModel     string `envconfig:"EMBED_MODEL" default:"gemini-embedding-001"`
	GenerateModel  string `envconfig:"GENERATE_MODEL" default:"gemini-1.5-flash"`
	EmbedTimeout   int    `envconfig:"EMBED_TIMEOUT_SECONDS" default:"60"`
	GenTimeout     int    `envconfig:"GENERATE_TIMEOUT_SECONDS" default:"90"`
	EmbedRateLimit int    `envconfig:"EMBED_RATE_LIMIT" default:"10"`
	EmbedRateBurst int    `envconfig:"EMBED_RATE_BURST" default:"20"`
	GenMaxRetries  int    `envconfig:"GENERATE_MAX_RETRIES" default:"2"`

	// Chunking
	ChunkSizeTokens    int `envconfig:"CHUNK_SIZE_TOKENS" default:"400"`
	ChunkOverlapTokens int `envconfig:"CHUNK_OVERLAP_TOKENS" default:"80"`
	MinChunkChars      int `envconfig:"MIN_CHUNK_CHARS" default:"50"`
	MinTextChars       int `envconfig:"MIN_TEXT_CHARS" default:"500"`

	// Retrieval
	RetrieveTopK        int     `envconfig:"RETRIEVE_TOP_K" default:"5"`
	OverfetchFactor     int     `envconfig:"OVERFETCH_FACTOR" default:"4"`
	MinSimilarity       float64 `envconfig:"MIN_SIMILARITY" default:"0.55"`
	RecencyHalfLifeDays float64 `envconfig:"RECENCY_HALF_LIFE_DAYS" default:"30"`

	// Ingestion
	IngestionConcurrency int `envconfig:"INGESTION_CONCURRENCY" default:"50"`
	ApplyMaxRetries      int `envconfig:"APPLY_MAX_RETRIES" default:"3"`

	ReconcileIntervalMinutes int `envconfig:"RECONCILE_INTERVAL_MINUTES" default:"15"`

	// Server
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	QueryLogPath  string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root.
	// Ignore errors, as env vars might be set in the shell.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.ChunkSizeTokens <= 0 {
		return fmt.Errorf("%w: CHUNK_SIZE_TOKENS must be positive", ErrInvalid)
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkSizeTokens {
		return fmt.Errorf("%w: CHUNK_OVERLAP_TOKENS must be smaller than CHUNK_SIZE_TOKENS", ErrInvalid)
	}
	if c.OverfetchFactor < 1 {
		return fmt.Errorf("%w: OVERFETCH_FACTOR must be at least 1", ErrInvalid)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: MIN_SIMILARITY must be within [0,1]", ErrInvalid)
	}
	if c.RecencyHalfLifeDays < 0 {
		return fmt.Errorf("%w: RECENCY_HALF_LIFE_DAYS must not be negative", ErrInvalid)
	}
	if c.ApplyMaxRetries < 1 {
		return fmt.Errorf("%w: APPLY_MAX_RETRIES must be at least 1", ErrInvalid)
	}
	return nil
}
