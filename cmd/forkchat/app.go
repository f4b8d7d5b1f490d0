package main

import (
	"context"
	"path/filepath"

	"github.com/go-go-golems/forkchat/pkg/artifacts"
	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/events"
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/go-go-golems/forkchat/pkg/inference/openai"
	"github.com/go-go-golems/forkchat/pkg/inference/orchestrator"
	"github.com/go-go-golems/forkchat/pkg/inference/tools"
	"github.com/go-go-golems/forkchat/pkg/mcp"
	"github.com/go-go-golems/forkchat/pkg/settings"
	"github.com/go-go-golems/forkchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// app bundles what every command needs: settings, persistence, tools and
// the model engine.
type app struct {
	settings  *settings.ChatSettings
	store     store.Store
	repo      conversation.SessionRepository
	artifacts artifacts.Store
	registry  *tools.LocalRegistry
	mcp       *mcp.Manager
	executor  tools.Executor
	engine    engine.Engine
}

type appOptions struct {
	// connectMCP dials the configured tool servers.
	connectMCP bool
}

func loadSettings() (*settings.ChatSettings, error) {
	return settings.Load(viper.GetViper())
}

func openStore(ctx context.Context, s settings.StoreSettings) (store.Store, error) {
	var kv store.Store
	switch s.Backend {
	case settings.StoreMemory:
		kv = store.NewMemoryStore()
	case settings.StorePebble:
		p, err := store.OpenPebble(filepath.Clean(s.Dir))
		if err != nil {
			return nil, err
		}
		kv = p
	case settings.StorePostgres:
		p, err := store.OpenPostgres(ctx, s.DSN)
		if err != nil {
			return nil, err
		}
		kv = p
	default:
		return nil, errors.Errorf("unknown store backend %q", s.Backend)
	}
	if s.Compress {
		kv = store.NewCompressed(kv)
	}
	return kv, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	kv, err := openStore(ctx, s.Store)
	if err != nil {
		return nil, err
	}

	a := &app{
		settings:  s,
		store:     kv,
		repo:      conversation.NewStoreRepository(kv),
		artifacts: artifacts.NewKVStore(kv),
		registry:  tools.NewLocalRegistry(),
		mcp:       mcp.NewManager(mcp.WithURLPolicy(s.URLPolicy)),
		engine: openai.NewEngine(openai.Config{
			BaseURL: s.BaseURL,
			APIKey:  s.APIKey,
			Timeout: s.Timeout,
		}),
	}

	if s.Artifacts {
		if err := artifacts.RegisterTools(a.registry, a.artifacts); err != nil {
			_ = a.Close()
			return nil, errors.Wrap(err, "could not register artifact tools")
		}
	}
	if opts.connectMCP && len(s.MCPServers) > 0 {
		if err := a.mcp.Connect(ctx, s.MCPServers); err != nil {
			if errors.Is(err, mcp.ErrRequiredServer) {
				_ = a.Close()
				return nil, err
			}
			log.Warn().Err(err).Msg("some tool servers are unavailable")
		}
	}
	a.executor = tools.NewRouter(s.Tools, a.registry, a.mcp)
	return a, nil
}

// newOrchestrator builds an orchestrator persisting into the app's
// repository and publishing to sinks.
func (a *app) newOrchestrator(sinks ...events.EventSink) *orchestrator.Orchestrator {
	options := []orchestrator.Option{
		orchestrator.WithConfig(a.settings.OrchestratorConfig()),
		orchestrator.WithExecutor(a.executor),
		orchestrator.WithPersistHook(a.repo.Put),
		orchestrator.WithEventSinks(sinks...),
		orchestrator.WithTitleHook(a.saveTitle),
	}
	if a.settings.Artifacts {
		options = append(options, orchestrator.WithArtifacts(a.artifacts))
	}
	return orchestrator.New(a.engine, options...)
}

// saveTitle writes a late title into the stored copy of the session.
func (a *app) saveTitle(ctx context.Context, sessionID string, title string) {
	s, err := a.repo.Get(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("could not load session to save title")
		return
	}
	s.SetTitle(title)
	if err := a.repo.Put(ctx, s); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("could not save title")
	}
}

func (a *app) Close() error {
	if a.mcp != nil {
		if err := a.mcp.Close(); err != nil {
			log.Debug().Err(err).Msg("closing tool servers")
		}
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
