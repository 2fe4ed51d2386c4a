package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"

	"docqa/features/document"
	"docqa/features/job"
	"docqa/features/mcp"
	"docqa/features/query"
	"docqa/features/stats"
	"docqa/internal/adapter/gemini"
	"docqa/internal/answer"
	"docqa/internal/blob"
	"docqa/internal/config"
	"docqa/internal/consistency"
	"docqa/internal/embed"
	"docqa/internal/extract"
	"docqa/internal/index"
	"docqa/internal/ingest"
	"docqa/internal/middleware"
	"docqa/internal/retrieval"
	"docqa/internal/retry"
	"docqa/internal/settings"
	"docqa/internal/text"
	"docqa/internal/worker"
)

const (
	defaultSearchTopK = 5
	verifyTimeout     = 15 * time.Second
)

type App struct {
	Handler   http.Handler
	Documents *document.Service
	Pipeline  *ingest.Pipeline
	Consumer  *worker.IngestConsumer
	Checker   *consistency.Checker
	Index     *index.Index

	// Queue is set when no external publisher was given.
	Queue *worker.LocalQueue

	cfg *config.Config
}

// Options overrides the capabilities chosen from config.
type Options struct {
	Embedder  embed.Provider
	Generator answer.Generator
}

// New wires the application. A nil db keeps every record in memory, a nil
// mirror keeps the index in memory only and a nil publisher runs ingestion
// on an in-process queue.
func New(
	ctx context.Context,
	cfg *config.Config,
	db *sql.DB,
	mirror index.Mirror,
	taskPub worker.Publisher,
	opts *Options,
) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	policy := retryPolicy(cfg)

	// Feature: Settings
	var settingsRepo settings.Repository
	if db != nil {
		settingsRepo = settings.NewPostgresRepo(db)
	} else {
		settingsRepo = settings.NewMemoryRepo(settings.Settings{SearchTopK: defaultSearchTopK})
	}
	settingsService := settings.NewService(settingsRepo)
	seedAPIKey(ctx, settingsService, cfg.GeminiAPIKey)
	settingsHandler := settings.NewHandler(settingsService)

	// Vector index
	ix, err := index.New(index.Options{
		Dimension: cfg.EmbeddingDim,
		MaxK:      cfg.IndexMaxK,
		Kind:      index.Kind(cfg.IndexKind),
		HNSW:      hnswParams(cfg),
		Mirror:    mirror,
	})
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	if mirror != nil {
		n, err := ix.Hydrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("hydrate index: %w", err)
		}
		slog.InfoContext(ctx, "vector index hydrated", "entries", n)
	}

	// Queue
	var queue *worker.LocalQueue
	if taskPub == nil {
		queue = worker.NewLocalQueue(cfg.IngestionConcurrency, 0, policy)
		taskPub = queue
	}

	// Feature: Document
	blobs, err := blob.NewFSStore(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("upload dir: %w", err)
	}
	var docRepo document.Repository
	var jobRepo job.Repository
	if db != nil {
		docRepo = document.NewPostgresRepo(db)
		jobRepo = job.NewPostgresRepo(db)
	} else {
		docRepo = document.NewMemoryRepo()
		jobRepo = job.NewMemoryRepo()
	}
	docService := document.NewService(docRepo, blobs, taskPub, ix)
	docHandler := document.NewHandler(docService, cfg.MaxUploadSizeMB<<20)

	// Feature: Job
	jobService := job.NewService(jobRepo, docService)
	docService.SetJobs(jobService)
	jobHandler := job.NewHandler(jobService)

	// Capabilities
	provider := opts.Embedder
	if provider == nil {
		provider = newProvider(cfg, settingsService)
	}
	embedder := embed.NewService(provider, embed.Options{
		Dimension:   cfg.EmbeddingDim,
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: cfg.EmbedConcurrency,
		Retry:       policy,
	})
	if err := verifyEmbedder(ctx, embedder); err != nil {
		return nil, err
	}
	gen := opts.Generator
	if gen == nil {
		gen = newGenerator(cfg, settingsService)
	}

	// Ingestion
	pipeline := ingest.NewPipeline(docService, extract.NewPDFExtractor(), embedder, ix, jobService, ingest.Options{
		Chunk: text.Options{
			MaxChars:      cfg.ChunkMaxChars,
			OverlapChars:  cfg.ChunkOverlapChars,
			MinChars:      cfg.ChunkMinChars,
			LookbackChars: cfg.ChunkLookbackChars,
		},
		Timeout: time.Duration(cfg.IngestTimeoutSeconds) * time.Second,
	})
	docService.SetCanceller(pipeline)
	consumer := worker.NewIngestConsumer(pipeline)
	if queue != nil && cfg.EnableIngestWorker {
		queue.Subscribe(config.TopicIngestDocument, consumer)
	}

	// Feature: Query
	retriever := retrieval.NewService(embedder, ix, docService, settingsService)
	answerer := answer.NewAnswerer(gen, answer.Options{BudgetChars: cfg.ContextBudgetChars, Retry: policy})
	queryService := query.NewService(retriever, answerer, time.Duration(cfg.QueryTimeoutSeconds)*time.Second, newQuestionLog(cfg.QueryLogPath))
	queryHandler := query.NewHandler(queryService)
	mcpHandler := mcp.NewHandler(queryService, retriever, docService)

	// Feature: Stats & Consistency
	statsHandler := stats.NewHandler(docService, jobService, ix)
	checker := consistency.NewChecker(docService, ix)
	if counter, ok := mirror.(consistency.MirrorCounter); ok {
		checker.SetMirror(counter)
	}
	consistencyHandler := consistency.NewHandler(checker)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(docHandler.Upload)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(docHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Get)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Delete)))
	mux.Handle("POST /documents/{id}/reindex", middleware.CorrelationID(enableCORS(docHandler.Reindex)))
	mux.Handle("GET /documents/{id}/chunks", middleware.CorrelationID(enableCORS(docHandler.ListChunks)))

	mux.Handle("POST /query", middleware.CorrelationID(enableCORS(queryHandler.Ask)))

	mux.Handle("POST /mcp", middleware.CorrelationID(mcpHandler))
	mux.Handle("GET /mcp/sse", middleware.CorrelationID(enableCORS(mcpHandler.HandleSSE)))
	mux.Handle("POST /mcp/messages", middleware.CorrelationID(enableCORS(mcpHandler.HandleMessage)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsHandler.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsHandler.UpdateSettings)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))
	mux.Handle("GET /consistency", middleware.CorrelationID(enableCORS(consistencyHandler.Check)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := embedder.Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "misconfigured", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:   mux,
		Documents: docService,
		Pipeline:  pipeline,
		Consumer:  consumer,
		Checker:   checker,
		Index:     ix,
		Queue:     queue,
		cfg:       cfg,
	}, nil
}

// Run serves HTTP and runs the background workers until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.EnableIngestWorker {
		if _, err := ingest.Resume(ctx, a.Documents); err != nil {
			slog.ErrorContext(ctx, "failed to resume unfinished ingestions", "error", err)
		}
	}
	if a.Queue != nil {
		a.Queue.Start(ctx)
		defer a.Queue.Stop()
	}
	go a.Checker.Run(ctx, time.Duration(a.cfg.ConsistencyIntervalSeconds)*time.Second, a.cfg.ConsistencyAutoRepair)

	if !a.cfg.EnableAPI {
		<-ctx.Done()
		return nil
	}

	port := a.cfg.ServerPort
	if port == 0 {
		port = 8081
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ConsumeNSQ attaches the ingestion consumer to the NSQ topic.
func (a *App) ConsumeNSQ() (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = max(a.cfg.IngestionConcurrency, 1)
	nsqCfg.MaxAttempts = uint16(max(a.cfg.RetryMaxAttempts, 1))

	consumer, err := nsq.NewConsumer(config.TopicIngestDocument, config.ChannelIngestWorker, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddConcurrentHandlers(a.Consumer, nsqCfg.MaxInFlight)
	if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
		return nil, fmt.Errorf("connect to nsqlookupd: %w", err)
	}
	slog.Info("NSQ ingest consumer connected", "topic", config.TopicIngestDocument)
	return consumer, nil
}

// verifyEmbedder refuses a provider whose vectors do not fit the index. A
// provider that cannot be reached yet, for example because its API key is
// set later through /settings, is only logged; the first mismatching call
// then disables embedding at runtime.
func verifyEmbedder(ctx context.Context, e *embed.Service) error {
	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	err := e.Verify(vctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, embed.ErrDimensionMismatch):
		return fmt.Errorf("embedding configuration: %w", err)
	default:
		slog.WarnContext(ctx, "embedding capability not verified at startup", "error", err)
		return nil
	}
}

func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.RetryMaxAttempts > 0 {
		p.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoffMs > 0 {
		p.InitialInterval = time.Duration(cfg.RetryInitialBackoffMs) * time.Millisecond
	}
	return p
}

func hnswParams(cfg *config.Config) index.HNSWParams {
	p := index.DefaultHNSWParams()
	if cfg.HNSWM > 0 {
		p.M = cfg.HNSWM
	}
	if cfg.HNSWEfConstruction > 0 {
		p.EfConstruction = cfg.HNSWEfConstruction
	}
	if cfg.HNSWEfSearch > 0 {
		p.EfSearch = cfg.HNSWEfSearch
	}
	return p
}

func newProvider(cfg *config.Config, set *settings.Service) embed.Provider {
	if cfg.Embedder == config.EmbedderHash {
		return embed.NewHashEmbedder(cfg.EmbeddingDim)
	}
	return gemini.NewDynamicEmbedder(set, cfg.EmbeddingModel)
}

func newGenerator(cfg *config.Config, set *settings.Service) answer.Generator {
	if cfg.Generator == config.GeneratorExcerpt {
		return answer.ExcerptGenerator{}
	}
	return gemini.NewDynamicGenerator(set, cfg.GenerationModel)
}

func newQuestionLog(path string) *query.Log {
	if path == "" {
		return query.NewLog(os.Stdout)
	}
	l, err := query.OpenLog(path)
	if err != nil {
		slog.Warn("failed to open question log, falling back to stdout", "path", path, "error", err)
		return query.NewLog(os.Stdout)
	}
	return l
}

// seedAPIKey stores the configured Gemini key unless one is already set.
func seedAPIKey(ctx context.Context, svc *settings.Service, key string) {
	if key == "" {
		return
	}
	set, err := svc.Get(ctx)
	if err != nil {
		slog.Warn("failed to fetch settings for seeding", "error", err)
		return
	}
	if set.GeminiAPIKey != "" {
		return
	}
	set.GeminiAPIKey = key
	if err := svc.Update(ctx, set); err != nil {
		slog.Warn("failed to seed gemini api key", "error", err)
		return
	}
	slog.Info("seeded gemini api key from environment")
}
