package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/repo2gpt/server/internal/api"
	"github.com/repo2gpt/server/internal/broker"
	"github.com/repo2gpt/server/internal/config"
	"github.com/repo2gpt/server/internal/db"
	"github.com/repo2gpt/server/internal/gitops"
	"github.com/repo2gpt/server/internal/job"
	"github.com/repo2gpt/server/internal/logger"
	"github.com/repo2gpt/server/internal/orchestrator"
	"github.com/repo2gpt/server/internal/snapshot"
	"github.com/repo2gpt/server/internal/storage"
	"github.com/repo2gpt/server/internal/stream"
)

const shutdownTimeout = 30 * time.Second

func serveAction(ctx context.Context, cmd *cli.Command) error {
	if file := cmd.String("config"); file != "" {
		os.Setenv("REPO2GPT_CONFIG", file)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port := cmd.Int("port"); port > 0 {
		cfg.HTTPPort = int(port)
	}

	log := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
	})
	log.Info("starting repo2gpt server",
		"port", cfg.HTTPPort,
		"storage_root", cfg.StorageRoot,
		"store_backend", cfg.StoreBackend,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
		"auth", cfg.APIKey != "",
	)

	persister, closePersister, err := openPersister(cfg)
	if err != nil {
		return err
	}
	defer closePersister()

	store, err := job.NewStore(persister)
	if err != nil {
		return err
	}
	files, err := storage.NewStore(cfg.StorageRoot)
	if err != nil {
		return err
	}
	events := broker.New()

	gitAuth, err := cfg.GitAuth()
	if err != nil {
		return err
	}
	cloner := gitops.NewCloner(gitAuth)
	worker := snapshot.NewSnapshotter(files, snapshot.NewAcquirer(cloner, cfg.DownloadTimeout), log)

	orch := orchestrator.New(store, events, files, worker, orchestrator.Config{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		JobTimeout:    cfg.JobTimeout,
		Logger:        log,
	})
	if resumed, interrupted := orch.Recover(); resumed+interrupted > 0 {
		log.Info("recovered unfinished jobs", "resumed", resumed, "interrupted", interrupted)
	}

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		Store:        store,
		Orchestrator: orch,
		Files:        files,
		Streamer:     stream.New(store, events, cfg.KeepAlive),
		Broker:       events,
		Logger:       log,
	})

	server := newHTTPServer(cfg.Addr(), router)

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelJobs()
	if err := orch.Shutdown(jobsCtx); err != nil {
		log.Warn("running jobs were cancelled", "error", err)
	}

	log.Info("server stopped")
	return nil
}

// newHTTPServer has no write timeout since event streams stay open for the
// life of a job. Request contexts are cancelled when Shutdown starts so open
// streams end instead of holding the drain.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return base },
	}
	server.RegisterOnShutdown(cancel)
	return server
}

func openPersister(cfg *config.Config) (job.Persister, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendBadger:
		kv, err := db.NewStore(cfg.StorageRoot)
		if err != nil {
			return nil, nil, err
		}
		return job.NewBadgerPersister(kv), func() {
			if err := kv.Close(); err != nil {
				slog.Error("failed to close badger", "error", err)
			}
		}, nil
	default:
		p, err := job.NewFilePersister(cfg.StorageRoot)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
}
