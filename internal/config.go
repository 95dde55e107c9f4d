package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"

	"github.com/starford/ansuz/internal/agent"
	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/chunker"
	"github.com/starford/ansuz/internal/embedding"
	"github.com/starford/ansuz/internal/indexer"
	"github.com/starford/ansuz/internal/watcher"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Vault     VaultConfig       `yaml:"vault"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Indexer   IndexerConfig     `yaml:"indexer"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	Search    SearchConfig      `yaml:"search"`
	Agent     AgentConfig       `yaml:"agent"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"app", &c.App},
		{"vault", &c.Vault},
		{"sqlite", &c.SQLite},
		{"auth", &c.Auth},
		{"indexer", &c.Indexer},
		{"embedding", &c.Embedding},
		{"search", &c.Search},
		{"agent", &c.Agent},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig holds the path to the Markdown vault directory. A vault path
// persisted in the settings table takes precedence at start.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// IndexerConfig tunes chunking, the watcher and the embedding backfill.
type IndexerConfig struct {
	ChunkMode     string        `yaml:"chunk_mode"`
	MaxTokens     int           `yaml:"max_tokens"`
	OverlapTokens int           `yaml:"overlap_tokens"`
	EmbedPageSize int           `yaml:"embed_page_size"`
	Debounce      time.Duration `yaml:"debounce"`
	Reconcile     time.Duration `yaml:"reconcile"`
	QueueSize     int           `yaml:"queue_size"`
	// EmbedSchedule is a cron expression for the embedding backfill. Empty
	// disables the schedule.
	EmbedSchedule string `yaml:"embed_schedule"`
	// AutoStart starts watching when the daemon starts.
	AutoStart bool `yaml:"auto_start"`
}

// Validate validates the indexer configuration.
func (c *IndexerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ChunkMode, validation.Required, validation.In(string(chunker.ModeWindow), string(chunker.ModeSemantic))),
		validation.Field(&c.MaxTokens, validation.Required, validation.Min(16)),
		validation.Field(&c.OverlapTokens, validation.Min(0), validation.Max(c.MaxTokens-1)),
		validation.Field(&c.EmbedPageSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Debounce, validation.Required),
		validation.Field(&c.Reconcile, validation.Required),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.EmbedSchedule, validation.By(cronSpec)),
	)
}

func cronSpec(v any) error {
	spec, _ := v.(string)
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.New("must be a valid cron expression")
	}
	return nil
}

// Options converts the section to indexer options.
func (c *IndexerConfig) Options() indexer.Config {
	return indexer.Config{
		MaxTokens:     c.MaxTokens,
		OverlapTokens: c.OverlapTokens,
		Mode:          chunker.Mode(c.ChunkMode),
		EmbedPageSize: c.EmbedPageSize,
		Watch: watcher.Options{
			DebounceInterval:  c.Debounce,
			ReconcileInterval: c.Reconcile,
			QueueSize:         c.QueueSize,
		},
	}
}

// RetryConfig configures exponential backoff for provider calls.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Validate validates the retry configuration. The value receiver lets
// parent sections validate it as a nested field.
func (c RetryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1), validation.Max(10)),
		validation.Field(&c.InitialBackoff, validation.Required),
		validation.Field(&c.MaxBackoff, validation.Required, validation.Min(c.InitialBackoff)),
	)
}

// Policy converts the section to a retry policy.
func (c RetryConfig) Policy() apperr.RetryPolicy {
	return apperr.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     2,
	}
}

// EmbeddingConfig selects the embedding provider and tunes the gateway.
// Provider "none" disables embeddings; search then uses substring matching.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Dimensions        int           `yaml:"dimensions"`
	BatchSize         int           `yaml:"batch_size"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CacheSize         int           `yaml:"cache_size"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(
			embedding.TypeNone, embedding.TypeOpenAI, embedding.TypeGemini, embedding.TypeStatic)),
		validation.Field(&c.APIKey, validation.When(c.Provider == embedding.TypeGemini, validation.Required)),
		validation.Field(&c.Dimensions, validation.Min(0)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1), validation.Max(2048)),
		validation.Field(&c.MaxInFlight, validation.Required, validation.Min(1)),
		validation.Field(&c.RequestsPerSecond, validation.Min(0.0)),
		validation.Field(&c.CacheSize, validation.Min(0)),
		validation.Field(&c.BreakerFailures, validation.Required),
		validation.Field(&c.BreakerTimeout, validation.Required),
		validation.Field(&c.Retry),
	)
}

// ProviderConfig returns the provider selection.
func (c *EmbeddingConfig) ProviderConfig() embedding.ProviderConfig {
	return embedding.ProviderConfig{
		Type:       c.Provider,
		Model:      c.Model,
		APIKey:     c.APIKey,
		BaseURL:    c.BaseURL,
		Dimensions: c.Dimensions,
	}
}

// GatewayConfig returns the gateway tuning.
func (c *EmbeddingConfig) GatewayConfig() embedding.Config {
	return embedding.Config{
		BatchSize:         c.BatchSize,
		MaxInFlight:       c.MaxInFlight,
		RequestsPerSecond: c.RequestsPerSecond,
		Retry:             c.Retry.Policy(),
		CacheSize:         c.CacheSize,
		BreakerFailures:   c.BreakerFailures,
		BreakerTimeout:    c.BreakerTimeout,
	}
}

// SearchConfig tunes ranking.
type SearchConfig struct {
	// MinScore drops results below this cosine similarity.
	MinScore float64 `yaml:"min_score"`
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MinScore, validation.Min(-1.0), validation.Max(1.0)),
	)
}

// AgentConfig selects the chat provider used by ask.
type AgentConfig struct {
	Provider     string      `yaml:"provider"`
	Model        string      `yaml:"model"`
	APIKey       string      `yaml:"api_key"`
	BaseURL      string      `yaml:"base_url"`
	MaxTurns     int         `yaml:"max_turns"`
	MaxTokens    int         `yaml:"max_tokens"`
	SystemPrompt string      `yaml:"system_prompt"`
	Retry        RetryConfig `yaml:"retry"`
}

// Validate validates the agent configuration.
func (c *AgentConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(
			agent.ProviderNone, agent.ProviderOpenAI, agent.ProviderAnthropic)),
		validation.Field(&c.MaxTurns, validation.Required, validation.Min(1), validation.Max(50)),
		validation.Field(&c.MaxTokens, validation.Min(0)),
		validation.Field(&c.Retry),
	)
}

// ProviderConfig returns the chat provider selection.
func (c *AgentConfig) ProviderConfig() agent.ProviderConfig {
	return agent.ProviderConfig{Type: c.Provider, Model: c.Model, APIKey: c.APIKey, BaseURL: c.BaseURL}
}

// Options converts the section to agent options.
func (c *AgentConfig) Options() agent.Config {
	return agent.Config{
		MaxTurns:     c.MaxTurns,
		MaxTokens:    c.MaxTokens,
		SystemPrompt: c.SystemPrompt,
		Retry:        c.Retry.Policy(),
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	idx := indexer.DefaultConfig()
	gw := embedding.DefaultConfig()
	retry := RetryConfig{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Vault: VaultConfig{
			Path: "./vault",
		},
		SQLite: SQLiteConfig{
			Path: "./ansuz.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Indexer: IndexerConfig{
			ChunkMode:     string(idx.Mode),
			MaxTokens:     idx.MaxTokens,
			OverlapTokens: idx.OverlapTokens,
			EmbedPageSize: idx.EmbedPageSize,
			Debounce:      idx.Watch.DebounceInterval,
			Reconcile:     idx.Watch.ReconcileInterval,
			QueueSize:     idx.Watch.QueueSize,
			EmbedSchedule: "*/15 * * * *",
			AutoStart:     true,
		},
		Embedding: EmbeddingConfig{
			Provider:        embedding.TypeNone,
			BatchSize:       gw.BatchSize,
			MaxInFlight:     gw.MaxInFlight,
			CacheSize:       gw.CacheSize,
			BreakerFailures: gw.BreakerFailures,
			BreakerTimeout:  gw.BreakerTimeout,
			Retry:           retry,
		},
		Search: SearchConfig{
			MinScore: 0,
		},
		Agent: AgentConfig{
			Provider: agent.ProviderNone,
			MaxTurns: agent.DefaultMaxTurns,
			Retry:    retry,
		},
	}
}
