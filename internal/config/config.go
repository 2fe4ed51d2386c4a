package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	QueueNSQ   = "nsq"
	QueueLocal = "local"

	EmbedderGemini = "gemini"
	EmbedderHash   = "hash"

	GeneratorGemini  = "gemini"
	GeneratorExcerpt = "excerpt"

	IndexFlat = "flat"
	IndexHNSW = "hnsw"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"docqa"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"docqa"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	Queue      string `envconfig:"QUEUE" default:"nsq"`
	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI            bool   `envconfig:"ENABLE_API" default:"true"`
	EnableIngestWorker   bool   `envconfig:"ENABLE_INGEST_WORKER" default:"true"`
	IngestionConcurrency int    `envconfig:"INGESTION_CONCURRENCY" default:"4"`
	IngestTimeoutSeconds int    `envconfig:"INGEST_TIMEOUT_SECONDS" default:"600"`
	MigrationPath        string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	GeminiAPIKey         string `envconfig:"GEMINI_API_KEY"`

	// Embedding
	Embedder         string `envconfig:"EMBEDDER" default:"gemini"`
	EmbeddingModel   string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	EmbeddingDim     int    `envconfig:"EMBEDDING_DIM" default:"3072"`
	EmbedBatchSize   int    `envconfig:"EMBED_BATCH_SIZE" default:"32"`
	EmbedConcurrency int    `envconfig:"EMBED_CONCURRENCY" default:"4"`

	// Generation
	Generator           string `envconfig:"GENERATOR" default:"gemini"`
	GenerationModel     string `envconfig:"GENERATION_MODEL" default:"gemini-2.0-flash"`
	ContextBudgetChars  int    `envconfig:"CONTEXT_BUDGET_CHARS" default:"16000"`
	QueryTimeoutSeconds int    `envconfig:"QUERY_TIMEOUT_SECONDS" default:"60"`

	// Chunking
	ChunkMaxChars      int `envconfig:"CHUNK_MAX_CHARS" default:"1200"`
	ChunkOverlapChars  int `envconfig:"CHUNK_OVERLAP_CHARS" default:"200"`
	ChunkMinChars      int `envconfig:"CHUNK_MIN_CHARS" default:"20"`
	ChunkLookbackChars int `envconfig:"CHUNK_LOOKBACK_CHARS" default:"300"`

	// Index
	IndexKind          string `envconfig:"INDEX_KIND" default:"flat"`
	IndexMaxK          int    `envconfig:"INDEX_MAX_K" default:"50"`
	HNSWM              int    `envconfig:"HNSW_M" default:"16"`
	HNSWEfConstruction int    `envconfig:"HNSW_EF_CONSTRUCTION" default:"200"`
	HNSWEfSearch       int    `envconfig:"HNSW_EF_SEARCH" default:"64"`

	// Resilience
	RetryMaxAttempts           int  `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoffMs      int  `envconfig:"RETRY_INITIAL_BACKOFF_MS" default:"500"`
	BootstrapRetryAttempts     int  `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int  `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
	ConsistencyIntervalSeconds int  `envconfig:"CONSISTENCY_INTERVAL_SECONDS" default:"300"`
	ConsistencyAutoRepair      bool `envconfig:"CONSISTENCY_AUTO_REPAIR" default:"false"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath    string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	UploadDir       string `envconfig:"UPLOAD_DIR" default:"./uploads"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

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

	switch c.Queue {
	case QueueNSQ, QueueLocal:
	default:
		return fmt.Errorf("%w: QUEUE must be %q or %q, got %q", ErrInvalid, QueueNSQ, QueueLocal, c.Queue)
	}
	switch c.Embedder {
	case EmbedderGemini, EmbedderHash:
	default:
		return fmt.Errorf("%w: EMBEDDER must be %q or %q, got %q", ErrInvalid, EmbedderGemini, EmbedderHash, c.Embedder)
	}
	switch c.Generator {
	case GeneratorGemini, GeneratorExcerpt:
	default:
		return fmt.Errorf("%w: GENERATOR must be %q or %q, got %q", ErrInvalid, GeneratorGemini, GeneratorExcerpt, c.Generator)
	}
	switch c.IndexKind {
	case IndexFlat, IndexHNSW:
	default:
		return fmt.Errorf("%w: INDEX_KIND must be %q or %q, got %q", ErrInvalid, IndexFlat, IndexHNSW, c.IndexKind)
	}

	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIM must be positive", ErrInvalid)
	}
	if c.ChunkMaxChars <= 0 {
		return fmt.Errorf("%w: CHUNK_MAX_CHARS must be positive", ErrInvalid)
	}
	if c.ChunkOverlapChars < 0 || c.ChunkOverlapChars >= c.ChunkMaxChars {
		return fmt.Errorf("%w: CHUNK_OVERLAP_CHARS must be in [0, CHUNK_MAX_CHARS)", ErrInvalid)
	}
	if c.ChunkMinChars > c.ChunkMaxChars {
		return fmt.Errorf("%w: CHUNK_MIN_CHARS exceeds CHUNK_MAX_CHARS", ErrInvalid)
	}
	if c.IndexMaxK <= 0 {
		return fmt.Errorf("%w: INDEX_MAX_K must be positive", ErrInvalid)
	}
	if c.ContextBudgetChars <= 0 {
		return fmt.Errorf("%w: CONTEXT_BUDGET_CHARS must be positive", ErrInvalid)
	}
	return nil
}
