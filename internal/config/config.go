package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every runtime knob. Values come from the environment, with
// defaults suitable for local development. Critical values (database URL,
// embedding API key) are validated at startup so a misconfigured process
// fails fast instead of failing per task.
type Config struct {
	Port        string
	DatabaseURL string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	AIAPIKey   string
	EmbedModel string
	EmbedDim   int

	JWTSecret string

	// Chunker tuning.
	ChunkTargetTokens  int
	ChunkMaxTokens     int
	ChunkOverlapTokens int

	// Embedding client tuning.
	EmbedBatchSize      int
	EmbedMaxConcurrency int
	EmbedRequestsPerSec float64

	// Pipeline tuning.
	WorkerCount  int
	MaxRetries   int
	RetryBaseDelay time.Duration
	SoftTimeout  time.Duration
	HardTimeout  time.Duration
	PollInterval time.Duration

	// Retrieval tuning.
	RRFConstant         int
	SimilarityThreshold float64
	OverFetchFactor     int
}

// Load reads the environment (and an optional .env file) into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "docket-docs"),

		AIAPIKey:   getEnv("GEMINI_API_KEY", ""),
		EmbedModel: getEnv("EMBED_MODEL", "text-embedding-004"),
		// text-embedding-004 emits 768-dim vectors; the vector column is
		// sized from this value at bootstrap, so the two must agree.
		EmbedDim: getEnvInt("EMBED_DIM", 768),

		JWTSecret: getEnv("JWT_SECRET", ""),

		ChunkTargetTokens:  getEnvInt("CHUNK_TARGET_TOKENS", 500),
		ChunkMaxTokens:     getEnvInt("CHUNK_MAX_TOKENS", 800),
		ChunkOverlapTokens: getEnvInt("CHUNK_OVERLAP_TOKENS", 50),

		EmbedBatchSize:      getEnvInt("EMBED_BATCH_SIZE", 100),
		EmbedMaxConcurrency: getEnvInt("EMBED_MAX_CONCURRENCY", 4),
		EmbedRequestsPerSec: getEnvFloat("EMBED_REQUESTS_PER_SEC", 10),

		WorkerCount:    getEnvInt("WORKER_COUNT", 4),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay: getEnvDuration("RETRY_BASE_DELAY", time.Minute),
		SoftTimeout:    getEnvDuration("TASK_SOFT_TIMEOUT", 25*time.Minute),
		HardTimeout:    getEnvDuration("TASK_HARD_TIMEOUT", 30*time.Minute),
		PollInterval:   getEnvDuration("TASK_POLL_INTERVAL", 2*time.Second),

		RRFConstant:         getEnvInt("RRF_CONSTANT", 60),
		SimilarityThreshold: getEnvFloat("SIMILARITY_THRESHOLD", 0.30),
		OverFetchFactor:     getEnvInt("SEARCH_OVERFETCH_FACTOR", 4),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}
	if cfg.AIAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET not set")
	}
	if cfg.EmbedDim <= 0 {
		return nil, fmt.Errorf("EMBED_DIM must be positive, got %d", cfg.EmbedDim)
	}
	if cfg.SoftTimeout >= cfg.HardTimeout {
		return nil, fmt.Errorf("TASK_SOFT_TIMEOUT (%s) must be below TASK_HARD_TIMEOUT (%s)", cfg.SoftTimeout, cfg.HardTimeout)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
