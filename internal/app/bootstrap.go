package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	wstore "docqa/internal/adapter/weaviate"
	"docqa/internal/config"
	"docqa/internal/retry"
	"docqa/internal/vector"
)

type Dependencies struct {
	DB *sql.DB
	// Mirror is nil when no Weaviate host is configured.
	Mirror *wstore.Store
	// NSQProducer is nil with the local queue.
	NSQProducer *nsq.Producer
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	policy := retry.Policy{MaxAttempts: cfg.BootstrapRetryAttempts, InitialInterval: retryDelay, MaxInterval: retryDelay}
	if retryDelay <= 0 {
		policy.InitialInterval = time.Millisecond
		policy.MaxInterval = time.Millisecond
	}

	// Database
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := retry.Do(ctx, policy, "postgres ping", func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	slog.InfoContext(ctx, "migrations applied")

	deps := &Dependencies{DB: db}

	// Weaviate
	if cfg.WeaviateHost != "" {
		wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		if err := EnsureSchemaWithRetry(ctx, vector.NewSchemaAdapter(wClient), policy); err != nil {
			db.Close()
			return nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		deps.Mirror = wstore.NewStore(wClient)
	}

	// NSQ Producer
	if cfg.Queue == config.QueueNSQ {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		createTopics(cfg.NSQDHTTP)
		deps.NSQProducer = producer
	}

	return deps, nil
}

// Close releases what Bootstrap opened.
func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// createTopics pre-creates the ingest topic so consumers polling lookupd do
// not fail before the first publish.
func createTopics(nsqdHTTP string) {
	if nsqdHTTP == "" {
		return
	}
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicIngestDocument)
	}()
}

// EnsureSchemaWithRetry ensures the Weaviate schema, retrying under policy.
func EnsureSchemaWithRetry(ctx context.Context, client vector.SchemaClient, policy retry.Policy) error {
	return retry.Do(ctx, policy, "weaviate schema", func() error {
		return vector.EnsureSchema(ctx, client)
	})
}
