package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. ANNA_AUTH_JWT_SECRET.
const EnvPrefix = "ANNA"

// Load reads configuration from path (or ./anna.yaml when path is empty and
// the file exists), then applies ANNA_* environment overrides on top of the
// built-in defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("anna")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.mode", AuthModeJWT)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.provider_url", "")
	v.SetDefault("auth.provider_api_key", "")
	v.SetDefault("auth.timeout", 5*time.Second)

	v.SetDefault("engine.provider", EngineProviderMock)
	v.SetDefault("engine.base_url", DefaultOpenAIBaseURL)
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.model", DefaultOpenAIModel)
	v.SetDefault("engine.temperature", 0.7)
	v.SetDefault("engine.max_tokens", 1024)
	v.SetDefault("engine.timeout", 60*time.Second)
	v.SetDefault("engine.max_tool_rounds", DefaultMaxToolRounds)
	v.SetDefault("engine.instructions", DefaultEngineInstruction)

	v.SetDefault("session.idle_eviction", DefaultIdleEviction)
	v.SetDefault("session.default_pre_score", DefaultPreScore)
	v.SetDefault("session.minutes_per_point", DefaultMinutesPerPoint)
	v.SetDefault("session.greeting", DefaultGreeting)
	v.SetDefault("session.time_zone", "Local")

	v.SetDefault("storage.backend", StorageBackendMemory)
	v.SetDefault("storage.sqlite_path", "anna.db")
	v.SetDefault("storage.history_cache_size", DefaultHistoryCacheSize)
	v.SetDefault("storage.history_cache_ttl", DefaultHistoryCacheTTL)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.prometheus_port", 0)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.exporter", "otlp")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("observability.tracing.zipkin_endpoint", "")
	v.SetDefault("observability.tracing.sample_rate", 1.0)
	v.SetDefault("observability.tracing.service_name", "anna")
	v.SetDefault("observability.tracing.service_version", "1.0.0")
}

// Validate rejects configuration the server cannot start with.
func Validate(cfg Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		add("server.addr is required")
	}

	switch cfg.Auth.Mode {
	case AuthModeJWT:
		if cfg.Auth.JWTSecret == "" {
			add("auth.jwt_secret is required when auth.mode is %q", AuthModeJWT)
		}
	case AuthModeRemote:
		if cfg.Auth.ProviderURL == "" {
			add("auth.provider_url is required when auth.mode is %q", AuthModeRemote)
		}
	default:
		add("auth.mode must be %q or %q, got %q", AuthModeJWT, AuthModeRemote, cfg.Auth.Mode)
	}

	switch cfg.Engine.Provider {
	case EngineProviderMock:
	case EngineProviderOpenAI:
		if cfg.Engine.APIKey == "" {
			add("engine.api_key is required when engine.provider is %q", EngineProviderOpenAI)
		}
		if cfg.Engine.Model == "" {
			add("engine.model is required when engine.provider is %q", EngineProviderOpenAI)
		}
	default:
		add("engine.provider must be %q or %q, got %q", EngineProviderMock, EngineProviderOpenAI, cfg.Engine.Provider)
	}
	if cfg.Engine.MaxToolRounds < 1 {
		add("engine.max_tool_rounds must be at least 1")
	}

	if cfg.Session.IdleEviction <= 0 {
		add("session.idle_eviction must be positive")
	}
	if cfg.Session.DefaultPreScore < 1 || cfg.Session.DefaultPreScore > 10 {
		add("session.default_pre_score must be between 1 and 10")
	}
	if cfg.Session.MinutesPerPoint < 1 {
		add("session.minutes_per_point must be at least 1")
	}
	if _, err := cfg.Session.Location(); err != nil {
		add("session.time_zone: %w", err)
	}

	switch cfg.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendSQLite:
		if cfg.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required when storage.backend is %q", StorageBackendSQLite)
		}
	default:
		add("storage.backend must be %q or %q, got %q", StorageBackendMemory, StorageBackendSQLite, cfg.Storage.Backend)
	}
	if cfg.Storage.HistoryCacheSize < 1 {
		add("storage.history_cache_size must be at least 1")
	}

	return errors.Join(errs...)
}

// MarshalYAML renders cfg with secrets masked.
func MarshalYAML(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg.Masked())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
