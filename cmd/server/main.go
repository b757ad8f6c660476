package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"golang.org/x/exp/slog"

	"crmsync/internal/app/server/api"
	"crmsync/internal/app/server/config"
	"crmsync/internal/domain/outbox"
	"crmsync/internal/infrastructure/lock"
	"crmsync/internal/infrastructure/storage/postgres"
	"crmsync/internal/utils/logger"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := postgres.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer storage.Close()

	services := api.NewServices(storage, cfg, log)

	locker, closeLocker, err := newLocker(ctx, cfg, storage, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	processor := outbox.NewProcessor(services.Outbox, services.Sync, outbox.Config{
		Interval:      cfg.Processor.Interval,
		BatchSize:     cfg.Processor.BatchSize,
		MaxRetries:    cfg.Processor.MaxRetries,
		Retention:     cfg.Processor.Retention,
		SweepInterval: cfg.Processor.SweepInterval,
	}, log,
		outbox.WithLocker(locker),
		outbox.WithTerminalHook(services.Sync.Abandon),
		outbox.WithPurger("ledger", outbox.PurgerFunc(services.Ledger.PurgeProcessed)),
		outbox.WithPurger("sessions", outbox.PurgerFunc(services.Sessions.Purge)),
	)

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	var wg gosync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processor.Run(loopCtx)
	}()
	go func() {
		defer wg.Done()
		processor.RunSweeper(loopCtx)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.RunAddress,
		Handler:           api.New(storage, services, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server started", slog.String("address", cfg.Server.RunAddress), slog.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("http shutdown", slog.String("error", shutdownErr.Error()))
	}

	cancelLoops()
	wg.Wait()
	log.Info("server exited")
	return err
}

// newLocker picks the lease backend for the processor.
func newLocker(ctx context.Context, cfg *config.Config, storage *postgres.Storage, log *slog.Logger) (outbox.Locker, func(), error) {
	if cfg.Processor.LockBackend == config.LockRedis {
		l, closeFn, err := lock.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("processor lease backed by redis")
		return l, func() { _ = closeFn() }, nil
	}
	return postgres.NewLeaseRepository(storage.Pool(), log), func() {}, nil
}
