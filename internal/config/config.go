package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "GEMINI_RELAY"

// Config holds the application configuration
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LLM      LLMConfig
	Server   ServerConfig
	History  HistoryConfig
	Identity IdentityConfig
	Media    MediaConfig
	MCP      MCPConfig `mapstructure:"mcp"`
}

// LLMConfig holds the remote model configuration
type LLMConfig struct {
	Provider         string        `mapstructure:"provider"`
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Model            string        `mapstructure:"model"`
	SystemPrompt     string        `mapstructure:"system_prompt"`
	Temperature      float32       `mapstructure:"temperature"`
	TopP             float32       `mapstructure:"top_p"`
	TopK             float32       `mapstructure:"top_k"`
	MaxOutputTokens  int32         `mapstructure:"max_output_tokens"`
	ResponseMIMEType string        `mapstructure:"response_mime_type"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// HistoryConfig selects where conversation histories are persisted.
type HistoryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisKey  string `mapstructure:"redis_key"`
}

// IdentityConfig selects how user ids are generated.
type IdentityConfig struct {
	Policy string `mapstructure:"policy"`
}

// MediaConfig controls image download and upload.
type MediaConfig struct {
	ScratchDir      string        `mapstructure:"scratch_dir"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MaxBytes        int64         `mapstructure:"max_bytes"`
	DefaultMIMEType string        `mapstructure:"default_mime_type"`
	TrustDefault    bool          `mapstructure:"trust_default"`
}

// MCPConfig controls the MCP tool endpoint.
type MCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// New returns a viper instance with defaults and environment bindings applied.
// Callers may bind flags on it before handing it to LoadViper.
func New() *viper.Viper {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "5000")

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gemini-1.5-pro")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.temperature", 1.0)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.top_k", 64)
	v.SetDefault("llm.max_output_tokens", 8192)
	v.SetDefault("llm.response_mime_type", "text/plain")
	v.SetDefault("llm.timeout", "2m")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.backend", "file")
	v.SetDefault("history.path", "histories.json")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.redis_addr", "localhost:6379")
	v.SetDefault("history.redis_key", "gemini-relay:histories")

	v.SetDefault("identity.policy", "uuid")

	v.SetDefault("media.scratch_dir", os.TempDir())
	v.SetDefault("media.download_timeout", "30s")
	v.SetDefault("media.max_retries", 3)
	v.SetDefault("media.max_bytes", 20<<20)
	v.SetDefault("media.default_mime_type", "image/jpeg")
	v.SetDefault("media.trust_default", true)

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.path", "/mcp")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", envPrefix+"_LLM_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY")

	return v
}

// Load loads the configuration from config.yaml (or the file named by CONFIG_PATH),
// environment variables and defaults.
func Load() (*Config, error) {
	return LoadViper(New())
}

// LoadViper reads the config file into v and unmarshals the result.
func LoadViper(v *viper.Viper) (*Config, error) {
	explicit := os.Getenv("CONFIG_PATH")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports configuration that cannot produce a working relay.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		return errors.New("llm api key is not set (GEMINI_API_KEY)")
	}
	if c.Server.Port == "" {
		return errors.New("server port is empty")
	}
	if c.Media.MaxBytes <= 0 {
		return fmt.Errorf("media max_bytes must be positive, got %d", c.Media.MaxBytes)
	}
	return nil
}
