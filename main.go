package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"shelfd/backend/internal/adapter/drive"
	"shelfd/backend/internal/adapter/gemini"
	"shelfd/backend/internal/api"
	"shelfd/backend/internal/config"
	"shelfd/backend/internal/crypto"
	"shelfd/backend/internal/foldersync"
	"shelfd/backend/internal/ingest"
	"shelfd/backend/internal/logger"
	"shelfd/backend/internal/middleware"
	"shelfd/backend/internal/store/blob"
	"shelfd/backend/internal/store/metadata"
	"shelfd/backend/internal/store/vector"
	"shelfd/backend/internal/sweep"
	"shelfd/backend/internal/worker"
)

const taggerModel = "gemini-2.0-flash"

func main() {
	// Structured logger with correlation id propagation
	base := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(logger.NewContextHandler(base)))

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Database Connection
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("failed to open db connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1, "max_attempts", cfg.BootstrapRetryAttempts)
		time.Sleep(retryDelay)
	}
	if err := db.Ping(); err != nil {
		slog.Error("failed to ping db after retries", "error", err)
		os.Exit(1)
	}

	// 3. Run Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		slog.Error("failed to create migration driver", "error", err)
		os.Exit(1)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		slog.Error("failed to create migration instance", "error", err)
		os.Exit(1)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations applied successfully")

	// 4. Weaviate Connection & Schema
	wClient, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
	})
	if err != nil {
		slog.Error("failed to create weaviate client", "error", err)
		os.Exit(1)
	}

	wAdapter := vector.NewWeaviateClientAdapter(wClient)
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := vector.EnsureSchema(context.Background(), wAdapter); err == nil {
			slog.Info("weaviate schema ensured")
			break
		}
		slog.Warn("failed to ensure weaviate schema, retrying...", "attempt", i+1, "error", err)
		time.Sleep(retryDelay)
	}
	if err := vector.EnsureSchema(context.Background(), wAdapter); err != nil {
		slog.Error("failed to ensure weaviate schema after retries", "error", err)
		os.Exit(1)
	}
	vecStore := vector.NewStore(wClient)

	// 5. Blob Storage
	blobStore, err := blob.NewStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		slog.Error("failed to create blob store", "error", err)
		os.Exit(1)
	}
	if err := blobStore.EnsureBucket(context.Background(), cfg.StorageBucket); err != nil {
		slog.Error("failed to ensure storage bucket", "bucket", cfg.StorageBucket, "error", err)
		os.Exit(1)
	}

	// 6. NSQ Producer
	nsqProducer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		slog.Error("failed to create NSQ producer", "error", err)
		os.Exit(1)
	}

	// Pre-create the enrich topic. NSQ creates topics lazily on publish,
	// but consumers querying lookupd fail 404 until the first message.
	topicURL := fmt.Sprintf("http://%s/topic/create?topic=%s", cfg.NSQDHTTP, config.TopicEnrich)
	go func() {
		time.Sleep(2 * time.Second)
		resp, err := http.Post(topicURL, "application/json", nil)
		if err != nil {
			slog.Warn("failed to pre-create enrich topic", "error", err, "url", topicURL)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			slog.Info("enrich topic pre-created successfully")
		}
	}()

	// 7. Gemini
	embedder, err := gemini.NewEmbedder(context.Background(), cfg.GeminiAPIKey)
	if err != nil {
		slog.Error("failed to create gemini client", "error", err)
		os.Exit(1)
	}
	defer embedder.Close()
	tagger := gemini.TaggerFromEmbedder(embedder, taggerModel)

	// 8. Repositories & core services
	docRepo := metadata.NewDocumentRepo(db)
	syncRepo := metadata.NewSyncRepo(db)

	coordinator := ingest.NewCoordinator(blobStore, docRepo, vecStore, embedder, nsqProducer,
		cfg.StorageBucket, embedder.Model(), cfg.EmbeddingVersion)

	var sealer foldersync.TokenSealer
	if cfg.TokenSealKey != "" {
		sealer, err = crypto.NewSealer([]byte(cfg.TokenSealKey))
		if err != nil {
			slog.Error("failed to create token sealer", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("TOKEN_SEAL_KEY not set, sync credentials stored unsealed")
		sealer = crypto.PlainSealer{}
	}

	provider := drive.NewProvider(cfg.DriveClientID, cfg.DriveClientSecret, cfg.MaxSyncFiles, cfg.MaxSyncPages)
	reconciler := foldersync.NewReconciler(syncRepo, docRepo, coordinator, provider, sealer,
		cfg.MaxFileSizeBytes(), cfg.UserStorageQuotaBytes())

	sweeper := sweep.NewSweeper(docRepo, vecStore)

	if cfg.SweepIntervalHours > 0 {
		interval := time.Duration(cfg.SweepIntervalHours) * time.Hour
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for range ticker.C {
				report, err := sweeper.SweepAll(context.Background(), false)
				if err != nil {
					slog.Error("scheduled sweep failed", "error", err)
					continue
				}
				for partition, r := range report {
					if r.Found > 0 {
						slog.Info("scheduled sweep reclaimed orphans",
							"partition", partition, "found", r.Found, "deleted", r.Deleted)
					}
				}
			}
		}()
		slog.Info("sweep scheduler started", "interval", interval)
	}

	// 9. Enrich worker
	if cfg.EnableEnrichWorker {
		enrich := worker.NewEnrichConsumer(docRepo, blobStore, tagger)
		consumer, err := nsq.NewConsumer(config.TopicEnrich, config.ChannelEnrichWorker, nsq.NewConfig())
		if err != nil {
			slog.Error("failed to create enrich consumer", "error", err)
		} else {
			consumer.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error {
				return enrich.HandleMessage(msg)
			}))
			if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
				slog.Error("failed to connect to NSQLookupd", "error", err)
			} else {
				slog.Info("enrich consumer connected")
			}
		}
	}

	// 10. HTTP surface
	handler := api.NewHandler(coordinator, reconciler, sweeper, blobStore, docLoader{repo: docRepo})

	http.Handle("POST /documents", middleware.CorrelationID(http.HandlerFunc(handler.Upload)))
	http.Handle("DELETE /documents/{id}", middleware.CorrelationID(http.HandlerFunc(handler.DeleteDocument)))
	http.Handle("GET /documents/{id}/url", middleware.CorrelationID(http.HandlerFunc(handler.DocumentURL)))
	http.Handle("POST /sync/{id}/run", middleware.CorrelationID(http.HandlerFunc(handler.RunSync)))
	http.Handle("POST /sweep", middleware.CorrelationID(http.HandlerFunc(handler.RunSweep)))
	http.HandleFunc("/health", handler.Health)

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	slog.Info("server starting", "port", cfg.ServerPort)
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// docLoader resolves a document's blob location for signed URLs.
type docLoader struct {
	repo *metadata.DocumentRepo
}

func (l docLoader) Load(ctx context.Context, userID, docID string) (string, string, error) {
	doc, err := l.repo.Get(ctx, userID, docID)
	if err != nil {
		return "", "", err
	}
	return doc.StorageBucket, doc.StoragePath, nil
}
