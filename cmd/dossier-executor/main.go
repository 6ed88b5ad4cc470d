package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/access"
	dossierapi "github.com/aliskhannn/dossier-executor/internal/api/handlers/dossier"
	filesapi "github.com/aliskhannn/dossier-executor/internal/api/handlers/files"
	"github.com/aliskhannn/dossier-executor/internal/api/router"
	"github.com/aliskhannn/dossier-executor/internal/api/server"
	"github.com/aliskhannn/dossier-executor/internal/config"
	"github.com/aliskhannn/dossier-executor/internal/dossier"
	"github.com/aliskhannn/dossier-executor/internal/extractor"
	"github.com/aliskhannn/dossier-executor/internal/infra/kafka/consumer"
	"github.com/aliskhannn/dossier-executor/internal/infra/kafka/producer"
	dossiermsg "github.com/aliskhannn/dossier-executor/internal/kafka/handlers/dossier"
	"github.com/aliskhannn/dossier-executor/internal/progress"
	"github.com/aliskhannn/dossier-executor/internal/render"
	documentrepo "github.com/aliskhannn/dossier-executor/internal/repository/document"
	progressrepo "github.com/aliskhannn/dossier-executor/internal/repository/progress"
	dossiersvc "github.com/aliskhannn/dossier-executor/internal/service/dossier"
	filesvc "github.com/aliskhannn/dossier-executor/internal/service/files"
	"github.com/aliskhannn/dossier-executor/internal/storage/file"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Retry strategy for Kafka calls. Render calls are never retried.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Object storage behind the files resource.
	storage, err := file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Dossier execution engine.
	tracker := progress.New(progressrepo.NewRepository(db))
	images := extractor.New(cfg.Resources.Root)
	renderClient := render.New(cfg.Render.Host, cfg.Render.Engine, cfg.Render.Accept, cfg.Render.Timeout, cfg.Render.MaxBody)
	worker := dossier.NewWorker(tracker, documentrepo.NewRepository(db), access.NewVerifier(), renderClient, images)
	dispatcher := dossier.NewDispatcher(worker, cfg.Worker.Concurrency)

	// Services.
	p := producer.New(&cfg.Kafka, strategy)
	dossierService := dossiersvc.NewService(tracker, p, worker, images)
	filesService := filesvc.NewService(storage, cfg.Storage.MaxArchiveSize)

	// Kafka consumer feeding submissions to the worker pool.
	c := consumer.New(&cfg.Kafka, strategy, dossiermsg.NewSubmittedHandler(dispatcher))

	var wg sync.WaitGroup
	wg.Add(1)
	go c.Consume(ctx, &wg)

	// Start HTTP server in a separate goroutine.
	r := router.Setup(dossierapi.NewHandler(dossierService), filesapi.NewHandler(filesService))
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	zlog.Logger.Info().
		Str("addr", cfg.Server.HTTPPort).
		Int("workers", cfg.Worker.Concurrency).
		Msg("dossier executor started")

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	drain(&wg, dispatcher, s, tracker)

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Kafka producer and consumer clients.
	if err = p.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err = c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}
}
