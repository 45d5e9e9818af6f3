package config

import (
	"time"

	"anna/internal/observability"
)

const (
	AuthModeJWT    = "jwt"
	AuthModeRemote = "remote"

	EngineProviderMock   = "mock"
	EngineProviderOpenAI = "openai"

	StorageBackendMemory = "memory"
	StorageBackendSQLite = "sqlite"
)

const (
	DefaultAddr              = ":8080"
	DefaultIdleEviction      = 10 * time.Minute
	DefaultPreScore          = 8
	DefaultMinutesPerPoint   = 4
	DefaultMaxToolRounds     = 4
	DefaultHistoryCacheSize  = 256
	DefaultHistoryCacheTTL   = 2 * time.Minute
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultGreeting          = "Hi, I'm Anna. What's weighing on you right now? If you had to rate how intense it feels from 1 to 10, where would you put it?"
	DefaultEngineInstruction = "You are Anna, a calm guide who helps people interrupt anxious spirals. Ask for an intensity rating from 1 to 10 and what set it off, then offer a short exercise with the trigger_exercise tool. Save finished exercises with save_progress and use get_spiral_history to reference past sessions."
)

// Config is the full anna-server configuration.
type Config struct {
	Server        ServerConfig         `mapstructure:"server" yaml:"server"`
	Auth          AuthConfig           `mapstructure:"auth" yaml:"auth"`
	Engine        EngineConfig         `mapstructure:"engine" yaml:"engine"`
	Session       SessionConfig        `mapstructure:"session" yaml:"session"`
	Storage       StorageConfig        `mapstructure:"storage" yaml:"storage"`
	Observability observability.Config `mapstructure:"observability" yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Environment     string        `mapstructure:"environment" yaml:"environment"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig selects how bearer credentials are verified.
type AuthConfig struct {
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	JWTSecret      string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Issuer         string        `mapstructure:"issuer" yaml:"issuer"`
	Audience       string        `mapstructure:"audience" yaml:"audience"`
	ProviderURL    string        `mapstructure:"provider_url" yaml:"provider_url"`
	ProviderAPIKey string        `mapstructure:"provider_api_key" yaml:"provider_api_key"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// EngineConfig configures the conversational backend.
type EngineConfig struct {
	Provider      string        `mapstructure:"provider" yaml:"provider"`
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"`
	Model         string        `mapstructure:"model" yaml:"model"`
	Temperature   float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxToolRounds int           `mapstructure:"max_tool_rounds" yaml:"max_tool_rounds"`
	Instructions  string        `mapstructure:"instructions" yaml:"instructions"`
}

// SessionConfig configures per-user session behaviour.
type SessionConfig struct {
	IdleEviction    time.Duration `mapstructure:"idle_eviction" yaml:"idle_eviction"`
	DefaultPreScore int           `mapstructure:"default_pre_score" yaml:"default_pre_score"`
	MinutesPerPoint int           `mapstructure:"minutes_per_point" yaml:"minutes_per_point"`
	Greeting        string        `mapstructure:"greeting" yaml:"greeting"`
	TimeZone        string        `mapstructure:"time_zone" yaml:"time_zone"`
}

// StorageConfig selects the progress store.
type StorageConfig struct {
	Backend          string        `mapstructure:"backend" yaml:"backend"`
	SQLitePath       string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	HistoryCacheSize int           `mapstructure:"history_cache_size" yaml:"history_cache_size"`
	HistoryCacheTTL  time.Duration `mapstructure:"history_cache_ttl" yaml:"history_cache_ttl"`
}

// Location resolves the configured session time zone.
func (c SessionConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeZone)
}

// Masked returns a copy safe to print, with credentials obscured.
func (c Config) Masked() Config {
	masked := c
	masked.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	if c.Auth.JWTSecret != "" {
		masked.Auth.JWTSecret = observability.SanitizeSecret(c.Auth.JWTSecret)
	}
	if c.Auth.ProviderAPIKey != "" {
		masked.Auth.ProviderAPIKey = observability.SanitizeSecret(c.Auth.ProviderAPIKey)
	}
	if c.Engine.APIKey != "" {
		masked.Engine.APIKey = observability.SanitizeSecret(c.Engine.APIKey)
	}
	return masked
}
