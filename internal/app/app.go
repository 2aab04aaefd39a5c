package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/airoom/server/internal/ai"
	"github.com/airoom/server/internal/bridge"
	"github.com/airoom/server/internal/broadcast"
	"github.com/airoom/server/internal/chat"
	"github.com/airoom/server/internal/config"
	"github.com/airoom/server/internal/history"
	"github.com/airoom/server/internal/history/sqlite"
	"github.com/airoom/server/internal/pipeline"
	"github.com/airoom/server/internal/registry"
	transporthttp "github.com/airoom/server/internal/transport/http"
)

// App wires together the room, pipeline, and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	cleanup         config.CleanupConfig

	reg     *registry.Registry
	bcast   *broadcast.Manager
	tracker *transporthttp.Tracker
	store   history.Store
	bridge  *bridge.Bridge

	log *zerolog.Logger
}

// New constructs the application with the provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	var st history.Store
	if cfg.Storage.SQLitePath != "" {
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		st = s
		logger.Info().Str("db_path", cfg.Storage.SQLitePath).Msg("database initialized")
	} else {
		logger.Warn().Msg("persistence disabled, history is in-memory only")
	}

	room := chat.NewRoom(cfg.Room.MaxUsers, cfg.Room.MaxHistory)
	reg := registry.New(room, st, *logger)
	bcast := broadcast.NewManager(*logger)

	client := newAIClient(cfg.AI, *logger)
	proc := pipeline.New(reg, st, client, chat.NewMentions(cfg.Room.MentionPatterns...), *logger)
	tracker := transporthttp.NewTracker()

	deps := transporthttp.Deps{
		Registry:  reg,
		Processor: proc,
		Broadcast: bcast,
		Store:     st,
		Tracker:   tracker,
	}
	if s, ok := client.(interface{ Stats() ai.Snapshot }); ok {
		deps.AIStats = func() any { return s.Stats() }
	}

	var br *bridge.Bridge
	if cfg.MQTT.Enabled {
		br = bridge.New(cfg.MQTT, reg, proc, bcast, *logger)
		deps.BridgeStats = func() any { return br.Stats() }
	}

	server := transporthttp.NewServer(deps, cfg, *logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		cleanup:         cfg.Cleanup,
		reg:             reg,
		bcast:           bcast,
		tracker:         tracker,
		store:           st,
		bridge:          br,
		log:             logger,
	}, nil
}

// newAIClient picks the backend. Without an API key the stub keeps the room
// usable for development.
func newAIClient(cfg config.AIConfig, logger zerolog.Logger) ai.Client {
	if cfg.UseStub || cfg.APIKey == "" {
		logger.Info().Msg("using stub AI backend")
		return ai.NewStubClient()
	}
	return ai.NewMoonshotClient(ai.MoonshotConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, logger)
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	if a.bridge != nil {
		if err := a.bridge.Start(ctx); err != nil {
			// The bridge is optional; chat works without the broker.
			a.log.Error().Err(err).Msg("mqtt bridge failed to start")
		}
	}

	go a.sweepLoop(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.teardown(ctx)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.teardown(shutdownCtx)
			return err
		}

		a.teardown(shutdownCtx)
		return <-serverErr
	}
}

// sweepLoop periodically unseats subscribers that went quiet or whose
// connections died without a clean close.
func (a *App) sweepLoop(ctx context.Context) {
	if a.cleanup.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cleanup.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *App) sweep(ctx context.Context) {
	removed := a.bcast.CleanupInactive(a.cleanup.MaxIdle, a.cleanup.MaxFailures)
	for _, session := range removed {
		u, notice, err := a.reg.RemoveUser(ctx, session)
		if err != nil {
			continue
		}
		a.bcast.BroadcastUserLeave(ctx, u.Display(), a.reg.UserCount(), notice)
	}
	if len(removed) > 0 {
		a.bcast.BroadcastUserList(ctx, a.reg.OnlineUsers())
		a.log.Info().Int("removed", len(removed)).Msg("swept inactive subscribers")
	}

	if idle := a.tracker.Inactive(a.cleanup.MaxIdle); len(idle) > 0 {
		a.log.Debug().Int("idle_connections", len(idle)).Msg("idle connections present")
	}
}

// teardown stops the bridge and closes resources.
func (a *App) teardown(ctx context.Context) {
	if a.bridge != nil {
		a.bridge.Stop(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
