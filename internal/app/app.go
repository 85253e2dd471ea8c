package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"athenaeum/features/document"
	"athenaeum/features/job"
	"athenaeum/features/query"
	"athenaeum/features/stats"
	wstore "athenaeum/internal/adapter/weaviate"
	"athenaeum/internal/answer"
	"athenaeum/internal/config"
	"athenaeum/internal/middleware"
	"athenaeum/internal/normalize"
	"athenaeum/internal/retrieval"
	"athenaeum/internal/text"
	"athenaeum/internal/tracker"
	"athenaeum/internal/worker"
)

// VectorIndex is everything the app needs from the embedding index.
// The weaviate adapter is the production implementation.
type VectorIndex interface {
	Upsert(ctx context.Context, rec wstore.Record, vec []float32) error
	Remove(ctx context.Context, chunkID string) error
	Query(ctx context.Context, vec []float32, n int) ([]wstore.Hit, error)
	ListChunkIDs(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}

type Generator interface {
	Generate(ctx context.Context, requestID, query string, contextChunks []string) (string, error)
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler         http.Handler
	DocumentService *document.Service
	IngestConsumer  *worker.IngestConsumer
	Reconciler      *worker.Reconciler

	port              int
	reconcileInterval time.Duration
}

func New(
	cfg *config.Config,
	db *sql.DB,
	index VectorIndex,
	taskPub TaskPublisher,
	embedder Embedder,
	generator Generator,
) (*App, error) {

	// Feature: Document
	docRepo := document.NewPostgresRepo(db)
	docService := document.NewService(docRepo, taskPub)
	docHandler := document.NewHandler(docService)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, taskPub)
	jobHandler := job.NewHandler(jobService)

	// Pipeline run tracking
	trackerRepo := tracker.NewPostgresRepo(db)
	runTracker := tracker.NewTracker(trackerRepo)
	reporter := tracker.NewReporter(trackerRepo)

	// Feature: Stats
	statsHandler := stats.NewHandler(docRepo, jobRepo, index, reporter)

	// Feature: Query
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}

	retrievalService := retrieval.NewService(embedder, index, docRepo, retrieval.Options{
		TopK:            cfg.RetrieveTopK,
		OverfetchFactor: cfg.OverfetchFactor,
		MinSimilarity:   cfg.MinSimilarity,
		RecencyHalfLife: time.Duration(cfg.RecencyHalfLifeDays * 24 * float64(time.Hour)),
	}, queryLogger)

	synthesizer := answer.NewSynthesizer(generator, cfg.MinSimilarity,
		time.Duration(cfg.GenTimeout)*time.Second, cfg.GenMaxRetries)
	queryHandler := query.NewHandler(retrievalService, synthesizer)

	// Ingestion pipeline
	normalizer := normalize.New(cfg.MinTextChars)
	chunker, err := text.NewChunker(cfg.ChunkSizeTokens, cfg.ChunkOverlapTokens, cfg.MinChunkChars)
	if err != nil {
		return nil, fmt.Errorf("chunker config error: %w", err)
	}

	embedTimeout := time.Duration(cfg.EmbedTimeout) * time.Second
	ingestConsumer := worker.NewIngestConsumer(
		normalizer, chunker, docService, index, embedder,
		jobService, runTracker, embedTimeout, cfg.ApplyMaxRetries,
	)

	reconciler := worker.NewReconciler(docService, index, embedder, runTracker, embedTimeout)

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

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(docHandler.Submit)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(docHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(docHandler.Get)))
	mux.Handle("GET /documents/{id}/chunks", middleware.CorrelationID(enableCORS(docHandler.GetChunks)))

	mux.Handle("POST /query", middleware.CorrelationID(enableCORS(queryHandler.Ask)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))
	mux.Handle("GET /report", middleware.CorrelationID(enableCORS(statsHandler.GetReport)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:           mux,
		DocumentService:   docService,
		IngestConsumer:    ingestConsumer,
		Reconciler:        reconciler,
		port:              cfg.ServerPort,
		reconcileInterval: time.Duration(cfg.ReconcileIntervalMinutes) * time.Minute,
	}, nil
}

// Run serves HTTP and keeps the reconciliation loop alive until the
// context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.reconcileInterval > 0 {
		go a.Reconciler.Run(ctx, a.reconcileInterval)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
