package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the on-disk configuration for scaffold-agent.
//
// NOTE: This file may contain provider API keys. Keep it chmod 0600.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string `json:"addr,omitempty" env:"SCAFFOLD_ADDR"`

	// LLMProvider is "anthropic" or "openai".
	LLMProvider string `json:"llm_provider,omitempty" env:"SCAFFOLD_LLM_PROVIDER"`
	LLMModel    string `json:"llm_model,omitempty" env:"SCAFFOLD_LLM_MODEL"`
	LLMAPIKey   string `json:"llm_api_key,omitempty" env:"SCAFFOLD_LLM_API_KEY"`
	LLMBaseURL  string `json:"llm_base_url,omitempty" env:"SCAFFOLD_LLM_BASE_URL"`

	// ChunkSize is the number of decomposable work units per generation call.
	ChunkSize int `json:"chunk_size,omitempty" env:"SCAFFOLD_CHUNK_SIZE"`
	// LLMRetries is the retry count after the first generation attempt.
	LLMRetries int `json:"llm_retries,omitempty" env:"SCAFFOLD_LLM_RETRIES"`
	// LLMTimeoutSeconds bounds a single generation attempt.
	LLMTimeoutSeconds int `json:"llm_timeout_seconds,omitempty" env:"SCAFFOLD_LLM_TIMEOUT"`
	// StreamChunkBytes bounds one file_chunk payload slice.
	StreamChunkBytes int `json:"stream_chunk_bytes,omitempty" env:"SCAFFOLD_STREAM_CHUNK_BYTES"`
	// MaxQuestions caps followup questions per gate round.
	MaxQuestions int `json:"max_questions,omitempty" env:"SCAFFOLD_MAX_QUESTIONS"`

	// RegistryURL is the package registry base (document endpoint).
	RegistryURL string `json:"registry_url,omitempty" env:"SCAFFOLD_REGISTRY_URL"`
	// RegistrySearchURL is the registry's free-text search endpoint.
	RegistrySearchURL string `json:"registry_search_url,omitempty" env:"SCAFFOLD_REGISTRY_SEARCH_URL"`
	// CacheTTLHours boxes dependency cache entries.
	CacheTTLHours int `json:"cache_ttl_hours,omitempty" env:"SCAFFOLD_CACHE_TTL_HOURS"`
	// CuratedTablePath points at an optional YAML name->version table.
	CuratedTablePath string `json:"curated_table_path,omitempty" env:"SCAFFOLD_CURATED_TABLE"`

	// ValidatorTimeoutSeconds bounds one external check subprocess.
	ValidatorTimeoutSeconds int `json:"validator_timeout_seconds,omitempty" env:"SCAFFOLD_VALIDATOR_TIMEOUT"`
	// RepairAttempts is the bounded repair-loop budget.
	RepairAttempts int `json:"repair_attempts,omitempty" env:"SCAFFOLD_REPAIR_ATTEMPTS"`

	// StateDir holds the dependency cache database and audit trail.
	StateDir string `json:"state_dir,omitempty" env:"SCAFFOLD_STATE_DIR"`

	// MinFreeDiskMB refuses scratch workspaces below this free-disk floor.
	MinFreeDiskMB int `json:"min_free_disk_mb,omitempty" env:"SCAFFOLD_MIN_FREE_DISK_MB"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty" env:"SCAFFOLD_LOG_FORMAT"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" env:"SCAFFOLD_LOG_LEVEL"`
}

const (
	DefaultChunkSize        = 10
	DefaultLLMRetries       = 2
	DefaultLLMTimeout       = 180 * time.Second
	DefaultStreamChunkBytes = 1024
	DefaultMaxQuestions     = 5
	DefaultCacheTTL         = 24 * time.Hour
	DefaultValidatorTimeout = 60 * time.Second
	DefaultRepairAttempts   = 1
	DefaultRegistryURL      = "https://registry.npmjs.org"
	DefaultSearchURL        = "https://registry.npmjs.org/-/v1/search"
	DefaultMinFreeDiskMB    = 512
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.LLMAPIKey) == "" {
		return errors.New("missing llm_api_key")
	}
	if strings.TrimSpace(c.LLMModel) == "" {
		return errors.New("missing llm_model")
	}
	switch strings.TrimSpace(strings.ToLower(c.LLMProvider)) {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm_provider %q", c.LLMProvider)
	}
	return nil
}

// ApplyDefaults fills unset knobs with the documented defaults.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8731"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.LLMRetries <= 0 {
		c.LLMRetries = DefaultLLMRetries
	}
	if c.LLMTimeoutSeconds <= 0 {
		c.LLMTimeoutSeconds = int(DefaultLLMTimeout / time.Second)
	}
	if c.StreamChunkBytes <= 0 {
		c.StreamChunkBytes = DefaultStreamChunkBytes
	}
	if c.MaxQuestions <= 0 {
		c.MaxQuestions = DefaultMaxQuestions
	}
	if strings.TrimSpace(c.RegistryURL) == "" {
		c.RegistryURL = DefaultRegistryURL
	}
	if strings.TrimSpace(c.RegistrySearchURL) == "" {
		c.RegistrySearchURL = DefaultSearchURL
	}
	if c.CacheTTLHours <= 0 {
		c.CacheTTLHours = int(DefaultCacheTTL / time.Hour)
	}
	if c.ValidatorTimeoutSeconds <= 0 {
		c.ValidatorTimeoutSeconds = int(DefaultValidatorTimeout / time.Second)
	}
	if c.RepairAttempts <= 0 {
		c.RepairAttempts = DefaultRepairAttempts
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.MinFreeDiskMB <= 0 {
		c.MinFreeDiskMB = DefaultMinFreeDiskMB
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

// LLMTimeout returns the per-attempt generation timeout as a Duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// ValidatorTimeout returns the per-check subprocess timeout as a Duration.
func (c *Config) ValidatorTimeout() time.Duration {
	return time.Duration(c.ValidatorTimeoutSeconds) * time.Second
}

// CacheTTL returns the dependency cache TTL as a Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// DefaultConfigPath returns ~/.scaffold-agent/config.json.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "scaffold-agent.config.json"
	}
	return filepath.Join(home, ".scaffold-agent", "config.json")
}

// DefaultStateDir returns ~/.scaffold-agent.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".scaffold-agent"
	}
	return filepath.Join(home, ".scaffold-agent")
}

// Load reads the config file (when present), overlays environment
// variables, applies defaults, and validates. A missing file is fine as
// long as the environment carries the required keys.
func Load(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("invalid config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// env-only config is allowed
		default:
			return nil, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config atomically with strict permissions.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
