package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"anna/internal/auth"
	"anna/internal/config"
	"anna/internal/engine"
	"anna/internal/engine/mock"
	"anna/internal/engine/openai"
	"anna/internal/gateway"
	"anna/internal/logging"
	"anna/internal/observability"
	serverHTTP "anna/internal/server/http"
	"anna/internal/session"
	"anna/internal/storage"
	"anna/internal/storage/memory"
	"anna/internal/storage/sqlite"
	"anna/internal/tools"
)

// Container holds every long-lived component of the server.
type Container struct {
	Config        config.Config
	Observability *observability.Observability
	Store         storage.ProgressStore
	HistoryCache  *tools.HistoryCache
	Tools         *tools.Registry
	Engine        engine.Engine
	Sessions      *session.Registry
	Authenticator *auth.Authenticator
	Gateway       *gateway.Gateway
	Router        http.Handler
}

// BuildContainer wires the server from cfg. obs may be nil, in which case
// metrics and tracing are disabled.
func BuildContainer(cfg config.Config, obs *observability.Observability) (*Container, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.NewComponentLogger("DI")

	store, err := buildStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	logger.Debug("Progress store: %s", cfg.Storage.Backend)

	cache := tools.NewHistoryCache(cfg.Storage.HistoryCacheSize, cfg.Storage.HistoryCacheTTL)
	registry, err := tools.Default(store, cache,
		tools.WithLogger(logging.NewComponentLogger("Tools")),
		tools.WithObservability(obs),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	completer := buildCompleter(cfg.Engine)
	eng := engine.NewRunner(completer, registry, engine.RunnerConfig{
		Temperature:   cfg.Engine.Temperature,
		MaxTokens:     cfg.Engine.MaxTokens,
		MaxToolRounds: cfg.Engine.MaxToolRounds,
	}, logging.NewComponentLogger("Engine"))
	logger.Info("Engine: provider=%s model=%s", cfg.Engine.Provider, completer.Model())

	location, err := cfg.Session.Location()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to resolve session time zone: %w", err)
	}
	sessions := session.NewRegistry(eng, session.Config{
		Greeting:        cfg.Session.Greeting,
		Instructions:    cfg.Engine.Instructions,
		DefaultPreScore: cfg.Session.DefaultPreScore,
		MinutesPerPoint: cfg.Session.MinutesPerPoint,
		IdleEviction:    cfg.Session.IdleEviction,
		Location:        location,
	},
		session.WithLogger(logging.NewComponentLogger("Session")),
		session.WithObservability(obs),
	)

	verifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		sessions.Shutdown()
		_ = store.Close()
		return nil, err
	}
	authenticator := auth.NewAuthenticator(verifier, obs, logging.NewComponentLogger("Auth"))

	gw := gateway.New(authenticator, sessions, gateway.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, obs, logging.NewComponentLogger("Gateway"))

	router := serverHTTP.NewRouter(serverHTTP.RouterDeps{
		WebSocket:      gw.ServeWS,
		Sessions:       sessions,
		Observability:  obs,
		Environment:    cfg.Server.Environment,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logging.NewComponentLogger("Router"),
	})

	logger.Info("Container built successfully")

	return &Container{
		Config:        cfg,
		Observability: obs,
		Store:         store,
		HistoryCache:  cache,
		Tools:         registry,
		Engine:        eng,
		Sessions:      sessions,
		Authenticator: authenticator,
		Gateway:       gw,
		Router:        router,
	}, nil
}

// Shutdown closes live connections, waits for open runs until ctx ends,
// disposes every session and closes the store.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if c.Gateway != nil {
		if err := c.Gateway.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
	}
	if c.Sessions != nil {
		c.Sessions.Shutdown()
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close progress store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildStore(cfg config.StorageConfig) (storage.ProgressStore, error) {
	switch cfg.Backend {
	case config.StorageBackendSQLite:
		path := resolveStoragePath(cfg.SQLitePath)
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return memory.NewProgressStore(), nil
	}
}

func buildCompleter(cfg config.EngineConfig) engine.Completer {
	if cfg.Provider == config.EngineProviderOpenAI {
		return openai.New(openai.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logging.NewComponentLogger("OpenAI"))
	}
	return mock.NewCompleter()
}

func buildVerifier(cfg config.AuthConfig) (auth.Verifier, error) {
	switch cfg.Mode {
	case config.AuthModeRemote:
		verifier, err := auth.NewRemoteVerifier(cfg.ProviderURL, cfg.ProviderAPIKey, cfg.Timeout, logging.NewComponentLogger("IdentityProvider"))
		if err != nil {
			return nil, fmt.Errorf("failed to create remote verifier: %w", err)
		}
		return verifier, nil
	default:
		verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, fmt.Errorf("failed to create jwt verifier: %w", err)
		}
		return verifier, nil
	}
}

// resolveStoragePath expands a leading ~ and environment variables.
func resolveStoragePath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			switch {
			case len(path) == 1:
				path = home
			case path[1] == '/':
				path = filepath.Join(home, path[2:])
			default:
				path = filepath.Join(home, path[1:])
			}
		}
	}
	return os.ExpandEnv(path)
}
