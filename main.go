// clipforge/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"clipforge/api"
	"clipforge/config"
	"clipforge/deliver"
	"clipforge/fetch"
	"clipforge/pipeline"
	"clipforge/settings"
	"clipforge/task"
	"clipforge/transcode"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// 1. Load bootstrap configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// 2. Open the persisted runtime settings
	st, err := settings.Open(cfg.SettingsDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open settings store")
	}
	defer st.Close()

	if st.Debug() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if err := os.MkdirAll(st.StoragePath(), 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create storage path")
	}

	// 3. Wire the pipeline stages
	fetcher := fetch.New(cfg, st, log)
	transcoder := transcode.New(cfg, st, transcode.NewProcessExecer(), log)
	uploader := deliver.New(cfg, st, log)
	orchestrator := pipeline.New(cfg, st, fetcher, transcoder, uploader, log)

	// 4. Job manager and router
	jobManager := task.NewManager(cfg, st, orchestrator, log)
	router := api.SetupRouter(jobManager, cfg, st, fetcher)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 5. Start background services and the HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobManager.Start(ctx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exiting")
}
