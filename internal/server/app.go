// Package server assembles the noteworker service and manages its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quillbox-app/quillbox-workers/internal/api"
	"github.com/quillbox-app/quillbox-workers/internal/capture"
	"github.com/quillbox-app/quillbox-workers/internal/clock/system"
	"github.com/quillbox-app/quillbox-workers/internal/config"
	openaiembed "github.com/quillbox-app/quillbox-workers/internal/embedder/openai"
	"github.com/quillbox-app/quillbox-workers/internal/events"
	eventsinks "github.com/quillbox-app/quillbox-workers/internal/events/sinks"
	collyfetcher "github.com/quillbox-app/quillbox-workers/internal/fetcher/colly"
	headlessfetcher "github.com/quillbox-app/quillbox-workers/internal/fetcher/headless"
	"github.com/quillbox-app/quillbox-workers/internal/hash/sha256"
	iduuid "github.com/quillbox-app/quillbox-workers/internal/id/uuid"
	"github.com/quillbox-app/quillbox-workers/internal/logging"
	"github.com/quillbox-app/quillbox-workers/internal/notes"
	"github.com/quillbox-app/quillbox-workers/internal/policy/ratelimit"
	"github.com/quillbox-app/quillbox-workers/internal/policy/simple"
	memorypublisher "github.com/quillbox-app/quillbox-workers/internal/publisher/memory"
	gcppublisher "github.com/quillbox-app/quillbox-workers/internal/publisher/pubsub"
	amqpqueue "github.com/quillbox-app/quillbox-workers/internal/queue/amqp"
	queueMemory "github.com/quillbox-app/quillbox-workers/internal/queue/memory"
	"github.com/quillbox-app/quillbox-workers/internal/render/detector"
	"github.com/quillbox-app/quillbox-workers/internal/safety"
	gcsarchive "github.com/quillbox-app/quillbox-workers/internal/storage/gcs"
	localarchive "github.com/quillbox-app/quillbox-workers/internal/storage/local"
	memoryStorage "github.com/quillbox-app/quillbox-workers/internal/storage/memory"
	pgstore "github.com/quillbox-app/quillbox-workers/internal/storage/postgres"
	"github.com/quillbox-app/quillbox-workers/internal/telemetry"
	"github.com/quillbox-app/quillbox-workers/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	runner          *worker.Runner
	embedWorker     *worker.EmbeddingWorker
	enrichWorker    *worker.EnrichmentWorker
	ingestLoop      *worker.IngestionLoop
	embedQ          *queueMemory.Queue[uuid.UUID]
	enrichQ         *queueMemory.Queue[uuid.UUID]
	captureQueue    *amqpqueue.CaptureQueue
	eventHub        *events.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storageClient   *storage.Client
	pgStore         *pgstore.NoteStore
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Define a struct for logging only non-sensitive config fields
	type SanitizedConfig struct {
		ServerPort       int    `json:"server_port"`
		DatabaseBackend  string `json:"database_backend"`
		StorageBackend   string `json:"storage_backend"`
		IngestionEnabled bool   `json:"ingestion_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:       cfg.Server.Port,
		DatabaseBackend:  cfg.Database.Backend,
		StorageBackend:   cfg.Storage.Backend,
		IngestionEnabled: cfg.Ingestion.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reload work a previous run left behind before the loops start draining.
	a.resumeBacklog(ctx)

	go func() {
		a.logger.Info("workers started")
		a.runner.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// resumeBacklog re-enqueues notes parked in a queueable status and resets
// notes stuck Processing from a crashed run. A note may land in a queue twice
// here; the workers skip IDs whose status is no longer queueable.
func (a *App) resumeBacklog(ctx context.Context) {
	if ids, err := a.embedWorker.GetPendingIDs(ctx); err != nil {
		a.logger.Error("embed backlog query failed", zap.Error(err))
	} else {
		for _, id := range ids {
			a.embedWorker.Enqueue(id)
		}
		if len(ids) > 0 {
			a.logger.Info("embed backlog enqueued", zap.Int("count", len(ids)))
		}
	}
	if _, err := a.embedWorker.RecoverStuck(ctx); err != nil {
		a.logger.Error("embed recovery sweep failed", zap.Error(err))
	}

	if ids, err := a.enrichWorker.GetPendingIDs(ctx); err != nil {
		a.logger.Error("enrich backlog query failed", zap.Error(err))
	} else {
		for _, id := range ids {
			a.enrichWorker.Enqueue(id)
		}
		if len(ids) > 0 {
			a.logger.Info("enrich backlog enqueued", zap.Int("count", len(ids)))
		}
	}
	if _, err := a.enrichWorker.RecoverStuck(ctx); err != nil {
		a.logger.Error("enrich recovery sweep failed", zap.Error(err))
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.embedQ.Close()
	a.enrichQ.Close()
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.captureQueue != nil {
		if err := a.captureQueue.Close(); err != nil {
			a.logger.Warn("capture queue close failed", zap.Error(err))
		}
	}
	if a.eventHub != nil {
		if err := a.eventHub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Application.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	// Initialize tracing
	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")

	noteStore, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}

	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	emitter, err := setupEvents(ctx, app)
	if err != nil {
		return nil, err
	}

	app.embedQ = queueMemory.NewQueue[uuid.UUID]()
	app.enrichQ = queueMemory.NewQueue[uuid.UUID]()

	clock := system.New()
	idGen := iduuid.NewUUIDGenerator()

	setupWorkers(app, noteStore, publisher, emitter, clock)

	if err := setupIngestion(app, noteStore, archive, emitter, clock, idGen); err != nil {
		return nil, err
	}

	var reporter api.PollReporter
	if app.ingestLoop != nil {
		reporter = app.ingestLoop
	}
	handler := api.NewNoteHandler(
		noteStore,
		app.embedWorker,
		app.enrichWorker,
		reporter,
		idGen,
		clock,
		logger.Named("api"),
	)
	app.apiServer = api.NewServer(handler, *cfg, logger.Named("api"))

	loops := []worker.Loop{app.embedWorker, app.enrichWorker}
	if app.ingestLoop != nil {
		loops = append(loops, app.ingestLoop)
	}
	app.runner = worker.NewRunner(loops...)

	return app, nil
}

func setupStore(ctx context.Context, app *App) (notes.Store, error) {
	switch app.cfg.Database.Backend {
	case "postgres":
		store, err := pgstore.NewNoteStore(ctx, pgstore.NoteStoreConfig{
			DSN:             app.cfg.Database.DSN,
			Table:           app.cfg.Database.Table,
			MaxConns:        app.cfg.Database.MaxConns,
			MinConns:        app.cfg.Database.MinConns,
			MaxConnLifetime: time.Duration(app.cfg.Database.MaxConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("note store init failed: %w", err)
		}
		app.pgStore = store
		app.logger.Info("using postgres note store", zap.String("table", app.cfg.Database.Table))
		return store, nil
	default:
		app.logger.Info("using in-memory note store")
		return memoryStorage.NewNoteStore(), nil
	}
}

func setupArchive(ctx context.Context, app *App) (notes.ArchiveStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS archive backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storageClient = client
		archive, err := gcsarchive.New(client, gcsarchive.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		app.logger.Debug("GCS archive backend", zap.String("bucket", app.cfg.Storage.Bucket))
		return archive, nil
	case "local":
		app.logger.Info("using local archive backend")
		archive, err := localarchive.New(localarchive.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		app.logger.Debug("local archive backend", zap.String("path", app.cfg.Storage.BaseDir))
		return archive, nil
	default:
		app.logger.Info("using in-memory archive backend")
		return memoryStorage.NewArchive(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (notes.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupEvents(ctx context.Context, app *App) (events.Emitter, error) {
	promSink, err := eventsinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus event sink init failed: %w", err)
	}
	sinkList := []events.Sink{promSink}
	if app.cfg.Events.LogSink {
		sinkList = append(sinkList, eventsinks.NewLogSink(app.logger.Named("event_log")))
		app.logger.Debug("Added lifecycle event log sink")
	}
	hubCfg := events.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatch,
		MaxBatchWait:   time.Duration(app.cfg.Events.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Events.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         app.logger.Named("event_hub"),
	}
	app.eventHub = events.NewHub(hubCfg, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.eventHub, nil
}

func setupWorkers(
	app *App,
	noteStore notes.Store,
	publisher notes.Publisher,
	emitter events.Emitter,
	clock notes.Clock,
) {
	embedder := openaiembed.NewEmbedder(openaiembed.Config{
		APIKey:     app.cfg.Embedding.APIKey,
		BaseURL:    app.cfg.Embedding.BaseURL,
		Model:      app.cfg.Embedding.Model,
		Dimensions: app.cfg.Embedding.Dimensions,
		User:       app.cfg.Embedding.User,
		Logger:     app.logger.Named("embedder"),
	})
	app.logger.Info("embedding provider configured", zap.String("model", app.cfg.Embedding.Model))

	app.embedWorker = worker.NewEmbeddingWorker(
		noteStore,
		app.embedQ,
		embedder,
		publisher,
		emitter,
		clock,
		worker.EmbedConfig{
			MaxInputChars: app.cfg.Embedding.MaxInputCharacters,
			MaxRetries:    app.cfg.Embedding.MaxRetries,
			Topic:         app.cfg.PubSub.TopicName,
		},
		app.logger.Named("embed"),
	)

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:    app.cfg.Enrichment.UserAgent,
		Timeout:      app.cfg.EnrichTimeout(),
		MaxBodyBytes: app.cfg.Enrichment.MaxBodyBytes,
	})
	app.logger.Info("using colly probe fetcher", zap.String("user_agent", app.cfg.Enrichment.UserAgent))

	var headless notes.Fetcher
	if app.cfg.Headless.Enabled {
		chromedpFetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Enrichment.UserAgent,
			NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			headless = chromedpFetcher
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
		}
	}

	var limiter notes.Limiter = simple.New()
	if app.cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   app.cfg.RateLimit.DefaultRPS,
			DefaultBurst: app.cfg.RateLimit.DefaultBurst,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", app.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", app.cfg.RateLimit.DefaultBurst),
		)
	} else {
		app.logger.Info("rate limiter disabled")
	}

	app.enrichWorker = worker.NewEnrichmentWorker(
		noteStore,
		app.enrichQ,
		probe,
		headless,
		detector.NewHeuristic(app.cfg.Headless.PromotionThresh),
		safety.New(nil),
		limiter,
		publisher,
		emitter,
		clock,
		worker.EnrichConfig{
			FetchTimeout: app.cfg.EnrichTimeout(),
			MaxRetries:   app.cfg.Enrichment.MaxRetries,
			Topic:        app.cfg.PubSub.TopicName,
		},
		app.logger.Named("enrich"),
	)
}

func setupIngestion(
	app *App,
	noteStore notes.Store,
	archive notes.ArchiveStore,
	emitter events.Emitter,
	clock notes.Clock,
	idGen notes.IDGenerator,
) error {
	if !app.cfg.Ingestion.Enabled {
		app.logger.Info("external ingestion disabled")
		return nil
	}

	captureQ, err := amqpqueue.NewCaptureQueue(amqpqueue.Config{
		URL:      app.cfg.AMQP.URL,
		Queue:    app.cfg.AMQP.Queue,
		Wait:     time.Duration(app.cfg.AMQP.WaitSeconds) * time.Second,
		Prefetch: app.cfg.AMQP.Prefetch,
	}, app.logger.Named("amqp"))
	if err != nil {
		return fmt.Errorf("capture queue init failed: %w", err)
	}
	app.captureQueue = captureQ

	validator := capture.NewValidator(
		app.cfg.Ingestion.AllowedEmailSenders,
		app.cfg.Ingestion.AllowedTelegramChatIDs,
	)
	app.ingestLoop = worker.NewIngestionLoop(
		captureQ,
		noteStore,
		archive,
		sha256.New(),
		idGen,
		clock,
		app.embedQ,
		app.enrichQ,
		validator,
		emitter,
		worker.IngestConfig{
			BatchSize:     app.cfg.Ingestion.BatchSize,
			ArchivePrefix: app.cfg.Storage.Prefix,
			ContentType:   app.cfg.Storage.ContentType,
		},
		app.logger.Named("ingest"),
	)
	app.logger.Info("external ingestion enabled",
		zap.String("queue", app.cfg.AMQP.Queue),
		zap.Int("batch_size", app.cfg.Ingestion.BatchSize),
	)
	return nil
}
