package ruminate

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds service configuration. Values are read from the
// environment with the RUMINATE_ prefix (RUMINATE_PROVIDER_API_KEY,
// RUMINATE_DATABASE_URL, ...) or from an optional config file.
type Config struct {
	// Completion service.
	ProviderAPIKey  string `mapstructure:"provider_api_key"`
	ProviderBaseURL string `mapstructure:"provider_base_url"`
	ProviderModel   string `mapstructure:"provider_model"`

	// Memory store.
	DatabaseURL string `mapstructure:"database_url"`

	// Documentation corpus. Optional: absent docs lower provenance
	// coverage, they do not fail requests.
	DocsDir string `mapstructure:"docs_dir"`

	// Optional embeddings for semantic recall.
	EmbedderAPIKey string `mapstructure:"embedder_api_key"`

	// Service.
	ListenAddr string `mapstructure:"listen_addr"`

	// Pipeline tuning.
	Budget        int           `mapstructure:"budget"`
	Threshold     float64       `mapstructure:"threshold"`
	StageTimeout  time.Duration `mapstructure:"stage_timeout"`
	ContextWindow int           `mapstructure:"context_window"`
}

// LoadConfig reads configuration from the environment and an optional
// config file path.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUMINATE")
	v.AutomaticEnv()

	v.SetDefault("provider_base_url", "https://api.openai.com/v1")
	v.SetDefault("provider_model", "gpt-4o-mini")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("budget", DefaultBudget)
	v.SetDefault("threshold", DefaultThreshold)
	v.SetDefault("stage_timeout", DefaultStageTimeout)
	v.SetDefault("context_window", DefaultContextWindow)

	// AutomaticEnv alone does not surface prefixed variables through
	// Unmarshal; binding each key does.
	for _, key := range []string{
		"provider_api_key", "provider_base_url", "provider_model",
		"database_url", "docs_dir", "embedder_api_key", "listen_addr",
		"budget", "threshold", "stage_timeout", "context_window",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations missing the completion-service
// credential or the store connection. Both are fatal at startup, never
// per-request.
func (c *Config) Validate() error {
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("%w: provider API key (RUMINATE_PROVIDER_API_KEY)", ErrMissingConfig)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: database URL (RUMINATE_DATABASE_URL)", ErrMissingConfig)
	}
	if c.Budget <= 0 {
		return fmt.Errorf("%w: budget must be positive", ErrMissingConfig)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0,1]", ErrMissingConfig)
	}
	return nil
}
