package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/edge"
	"github.com/ent0n29/voicebench/internal/harness"
	"github.com/ent0n29/voicebench/internal/httpapi"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/platform"
	"github.com/ent0n29/voicebench/internal/session"
	"github.com/ent0n29/voicebench/internal/store"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Store    store.Store
	Metrics  *observability.Metrics
	Edge     edge.Config
	Speech   string

	// Cleanup ends every session, then releases the store.
	Cleanup func() error
}

// Build wires the harness from cfg. A nil metrics registers on the default
// registry under cfg.MetricsNamespace.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger, metrics *observability.Metrics) (*BuildResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	edgeCfg, err := EdgeConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	speechSetup, err := resolveSpeech(cfg)
	if err != nil {
		return nil, err
	}

	turnStore, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("turn store init failed: %w", err)
	}

	sessions := session.NewManager(session.Options{
		Edge: edgeCfg,
		Deps: edge.Deps{Logger: log, Metrics: metrics},
		Client: harness.Options{
			TTS:         speechSetup.tts,
			ASR:         speechSetup.asr,
			Uploader:    uploader(cfg),
			Store:       turnStore,
			ArtifactDir: cfg.ArtifactDir,
			Logger:      log,
		},
		InactivityTimeout: cfg.SessionInactivityTimeout,
		CloseGrace:        cfg.SessionCloseGrace,
		Metrics:           metrics,
		Logger:            log,
	})

	api := httpapi.New(cfg, sessions, turnStore, metrics, log)

	cleanup := func() error {
		var errs []string
		if err := sessions.EndAll(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := turnStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return errors.New(strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Store:    turnStore,
		Metrics:  metrics,
		Edge:     edgeCfg,
		Speech:   speechSetup.detail,
		Cleanup:  cleanup,
	}, nil
}

func uploader(cfg config.Config) platform.Uploader {
	if strings.TrimSpace(cfg.PlatformUploadURL) == "" {
		return platform.LocalUploader{}
	}
	return platform.HTTPUploader{
		BaseURL: cfg.PlatformUploadURL,
		Root:    cfg.ArtifactDir,
		Token:   cfg.PlatformToken,
	}
}
