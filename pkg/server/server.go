// Package server provides the public entry point for initializing the
// inquiry orchestration server.
//
// It composes the store, job lifecycle manager, reclaimer, session core,
// and HTTP surface from environment configuration. Embedders who bring
// their own work handler or authorizer use NewWithOptions; the plain New
// wires the built-in research handler for zero-config runs.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquirylabs/inquiry/internal/api"
	"github.com/inquirylabs/inquiry/internal/auth"
	"github.com/inquirylabs/inquiry/internal/config"
	"github.com/inquirylabs/inquiry/internal/jobs"
	"github.com/inquirylabs/inquiry/internal/metrics"
	"github.com/inquirylabs/inquiry/internal/reclaimer"
	"github.com/inquirylabs/inquiry/internal/research"
	"github.com/inquirylabs/inquiry/internal/session"
	"github.com/inquirylabs/inquiry/internal/store"
	"github.com/inquirylabs/inquiry/internal/telemetry"
	"github.com/inquirylabs/inquiry/pkg/contracts"
	"github.com/inquirylabs/inquiry/pkg/models"
)

// Options override the built-in collaborators.
type Options struct {
	// Handler replaces the built-in research work handler. If it needs a
	// JobCreator, implement JobCreatorSetter and it will be wired after
	// the manager exists.
	Handler contracts.WorkHandler

	// Authorizer replaces the env-configured API key authorizer.
	Authorizer contracts.Authorizer
}

// JobCreatorSetter is implemented by work handlers that create jobs.
type JobCreatorSetter interface {
	SetJobCreator(contracts.JobCreator)
}

// Server holds the initialized orchestration server.
type Server struct {
	Handler  http.Handler
	Store    store.Store
	Manager  *jobs.Manager
	Sessions *session.Core
	Config   *config.Config
	Port     int

	// ShutdownFunc drains sessions, stops jobs and the reclaimer, flushes
	// telemetry, and closes the store.
	ShutdownFunc func(context.Context) error
}

// New initializes the server from environment configuration with the
// built-in research handler.
func New(ctx context.Context) (*Server, error) {
	return NewWithOptions(ctx, Options{})
}

// NewWithOptions initializes the server with explicit collaborators.
func NewWithOptions(ctx context.Context, opts Options) (*Server, error) {
	cfg := config.Load()

	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()

	handler := opts.Handler
	if handler == nil {
		handler = research.New(nil, time.Second)
	}

	reclaimCtx, stopReclaimer := context.WithCancel(context.Background())

	manager := jobs.NewManager(reclaimCtx, dataStore, handler, collector,
		cfg.Jobs.LeaseTimeout, cfg.Jobs.HeartbeatInterval)
	if setter, ok := handler.(JobCreatorSetter); ok {
		setter.SetJobCreator(manager)
	}
	log.Info().
		Dur("lease_timeout", cfg.Jobs.LeaseTimeout).
		Msg("Job manager initialized")

	rec := reclaimer.New(dataStore, collector, cfg.Reclaimer.SweepInterval, cfg.Jobs.LeaseTimeout)
	go rec.Start(reclaimCtx)

	authorizer := opts.Authorizer
	if authorizer == nil {
		envAuth := auth.NewFromEnv()
		if envAuth.Enabled() {
			authorizer = envAuth
			log.Info().Msg("API key auth enabled")
		}
	}

	core, err := session.NewCore(dataStore, handler, authorizer, collector,
		cfg.Protocol, cfg.FlowControl, models.ServerInfo{
			Name:    "inquiry-server",
			Version: cfg.Version,
		})
	if err != nil {
		stopReclaimer()
		return nil, fmt.Errorf("init session core: %w", err)
	}

	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Store:     dataStore,
		Manager:   manager,
		Collector: collector,
		Sessions:  core,
	})

	shutdown := func(ctx context.Context) error {
		core.Registry().CloseAll()
		manager.Shutdown()
		stopReclaimer()
		if err := telemetryShutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
		return dataStore.Close()
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Manager:      manager,
		Sessions:     core,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.Store.Path).Msg("SQLite store initialized")
		return s, nil
	case "", "memory":
		log.Info().Msg("In-memory store initialized")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
