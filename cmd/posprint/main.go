package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/orrn/posprint/internal/api"
	"github.com/orrn/posprint/internal/api/handlers"
	"github.com/orrn/posprint/internal/api/middleware"
	"github.com/orrn/posprint/internal/archive"
	"github.com/orrn/posprint/internal/config"
	"github.com/orrn/posprint/internal/core"
	"github.com/orrn/posprint/internal/db"
	"github.com/orrn/posprint/internal/logging"
	"github.com/orrn/posprint/internal/printer"
	"github.com/orrn/posprint/internal/queue"
	"github.com/orrn/posprint/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	envErr := loadDotEnv()

	configPath := flag.String("config", envOr("POSPRINT_CONFIG", "config.yaml"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file")
	}
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("posprint stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	database, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer database.Close()

	listeners := webhook.Multi{webhook.NewLogListener(log)}
	if len(cfg.Webhook.Endpoints) > 0 {
		sender := webhook.NewSender(cfg.Webhook, log)
		sender.Start()
		defer sender.Stop()
		listeners = append(listeners, sender)
	}

	store := db.NewJobStore(database, listeners)

	dispatch, err := newDispatchQueue(cfg, database)
	if err != nil {
		return err
	}

	printers, err := newPrinterFactory(cfg, log)
	if err != nil {
		return err
	}

	spooler := core.NewSpooler(store, dispatch, log)
	worker := core.NewWorker(store, dispatch, printers, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	// The in-process queue starts empty; the tailing queue replays from the
	// store on its own and the Redis list survives restarts.
	if cfg.Queue.Driver == config.QueueDriverMemory {
		n, err := spooler.Recover(ctx)
		if err != nil {
			log.Error().Err(err).Int("recovered", n).Msg("failed to recover printing receipts")
		}
	}

	var archives handlers.ArchiveLister
	if cfg.Archive.Enabled {
		archiver, err := archive.NewArchiver(store, cfg.Archive, log)
		if err != nil {
			return err
		}
		archiver.Start()
		defer archiver.Stop()
		archives = archiver
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	auth := middleware.NewAuthMiddleware(cfg.Auth)
	if !auth.Enabled() {
		log.Warn().Msg("authentication disabled, receipt endpoints are open")
	}
	router := api.NewRouter(api.Deps{
		Receipts: spooler,
		Worker:   worker,
		Archives: archives,
		Auth:     auth,
		Log:      log,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("queue", cfg.Queue.Driver).Str("printer", cfg.Printers.Driver).Msg("posprint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-serverErr:
		log.Error().Err(runErr).Msg("http server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}

	cancel()
	dispatch.Close()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("print worker did not stop before the shutdown deadline")
	}

	return runErr
}

func newDispatchQueue(cfg *config.Config, database *sql.DB) (core.DispatchQueue, error) {
	switch cfg.Queue.Driver {
	case config.QueueDriverTail:
		return db.NewTailQueue(database, cfg.Queue.PollInterval), nil
	case config.QueueDriverRedis:
		q := queue.NewRedisQueue(cfg.Queue.RedisAddr, cfg.Queue.RedisKey)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.Ping(ctx); err != nil {
			q.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Queue.RedisAddr, err)
		}
		return q, nil
	}
	return queue.NewMemoryQueue(cfg.Queue.Capacity), nil
}

func newPrinterFactory(cfg *config.Config, log zerolog.Logger) (core.PrinterFactory, error) {
	if cfg.Printers.Driver == config.PrinterDriverNetwork {
		return printer.NewNetworkFactory(cfg.Printers, log), nil
	}
	return printer.NewFakeFactory(cfg.Printers.FakeOutputDir, cfg.Printers.FakeLatency, printer.Outcome(cfg.Printers.FakeOutcome))
}

// loadDotEnv loads .env files into the environment. A missing file is fine.
func loadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
