// Package config loads model store settings from defaults, an optional YAML
// file and MODEL_STORE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/docker/model-store/pkg/distribution/distribution"
	"github.com/docker/model-store/pkg/distribution/transport"
)

const (
	EnvPrefix = "MODEL_STORE"
	appName   = "model-store"
)

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type URLConfig struct {
	// Scheme replaces url:// and urltransport:// when fetching.
	Scheme string `mapstructure:"scheme"`
}

type HuggingFaceConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

type ModelScopeConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

type OllamaConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type OCIConfig struct {
	Insecure bool   `mapstructure:"insecure"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Config is the resolved configuration of a client.
type Config struct {
	// Store is the store root.
	Store            string            `mapstructure:"store"`
	DefaultTransport string            `mapstructure:"default_transport"`
	Concurrency      int               `mapstructure:"concurrency"`
	LockTimeout      time.Duration     `mapstructure:"lock_timeout"`
	UserAgent        string            `mapstructure:"user_agent"`
	Retry            RetryConfig       `mapstructure:"retry"`
	URL              URLConfig         `mapstructure:"url"`
	HuggingFace      HuggingFaceConfig `mapstructure:"huggingface"`
	ModelScope       ModelScopeConfig  `mapstructure:"modelscope"`
	Ollama           OllamaConfig      `mapstructure:"ollama"`
	OCI              OCIConfig         `mapstructure:"oci"`
}

// New returns a viper instance carrying the defaults and environment
// bindings. Callers may bind flags on it before calling Load.
func New() (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("store", DefaultStorePath())
	v.SetDefault("default_transport", distribution.DefaultScheme)
	v.SetDefault("concurrency", 4)
	v.SetDefault("lock_timeout", 30*time.Second)
	v.SetDefault("user_agent", "")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.attempt_timeout", 60*time.Second)
	v.SetDefault("url.scheme", "https")
	v.SetDefault("huggingface.endpoint", "")
	v.SetDefault("huggingface.token", "")
	v.SetDefault("modelscope.endpoint", "")
	v.SetDefault("modelscope.token", "")
	v.SetDefault("ollama.endpoint", "")
	v.SetDefault("oci.insecure", false)
	v.SetDefault("oci.username", "")
	v.SetDefault("oci.password", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Well-known variables shared with other tools.
	if err := v.BindEnv("store", EnvPrefix+"_STORE", "MODELS_PATH"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("huggingface.token", EnvPrefix+"_HUGGINGFACE_TOKEN", "HF_TOKEN"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("modelscope.token", EnvPrefix+"_MODELSCOPE_TOKEN", "MODELSCOPE_API_TOKEN"); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads file, or config.yaml from the user config directory when file
// is empty, and decodes the merged settings. Only an explicitly named file
// must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Store == "" {
		errs = append(errs, errors.New("store path is required"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.LockTimeout < 0 || c.Retry.AttemptTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if _, err := transport.ParseReference("model", c.DefaultTransport); err != nil {
		errs = append(errs, fmt.Errorf("default_transport: %w", err))
	}
	switch c.URL.Scheme {
	case "http", "https", "file":
	default:
		errs = append(errs, fmt.Errorf("url.scheme must be http, https or file, got %q", c.URL.Scheme))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ClientOptions maps the configuration to client options.
func (c *Config) ClientOptions() []distribution.Option {
	return []distribution.Option{
		distribution.WithStoreRootPath(c.Store),
		distribution.WithDefaultScheme(c.DefaultTransport),
		distribution.WithConcurrency(c.Concurrency),
		distribution.WithLockTimeout(c.LockTimeout),
		distribution.WithUserAgent(c.UserAgent),
		distribution.WithRetry(c.Retry.MaxAttempts, c.Retry.AttemptTimeout),
		distribution.WithURLScheme(c.URL.Scheme),
		distribution.WithInsecureRegistry(c.OCI.Insecure),
		distribution.WithCredentials(distribution.Credentials{
			HuggingFaceToken: c.HuggingFace.Token,
			ModelScopeToken:  c.ModelScope.Token,
			RegistryUsername: c.OCI.Username,
			RegistryPassword: c.OCI.Password,
		}),
		distribution.WithEndpoints(distribution.Endpoints{
			HuggingFace: c.HuggingFace.Endpoint,
			ModelScope:  c.ModelScope.Endpoint,
			Ollama:      c.Ollama.Endpoint,
		}),
	}
}

// DefaultStorePath is $XDG_DATA_HOME/models, falling back to
// ~/.local/share/models.
func DefaultStorePath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "models")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "models")
	}
	return ".models"
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", appName)
	}
	return "." + appName
}
