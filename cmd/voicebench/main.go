package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/app"
	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg, log, nil)
	if err != nil {
		log.Fatal("build failed", zap.Error(err))
	}
	log.Info("harness configured",
		zap.String("edge_vendor", built.Edge.Vendor()),
		zap.Int("sample_rate", built.Edge.SampleRate()),
		zap.Int("chunk_ms", built.Edge.ChunkMS()),
		zap.String("speech", built.Speech))

	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		log.Warn("cleanup failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
