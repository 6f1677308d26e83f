// Package config loads the host configuration from defaults, an optional
// YAML file, FP_HOST_* environment variables and command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/woxQAQ/fp-provider-runtime/internal/hostfuncs"
	"github.com/woxQAQ/fp-provider-runtime/internal/wasm"
)

// EnvPrefix prefixes environment overrides, e.g. FP_HOST_WASM_MAX_INSTANCES.
const EnvPrefix = "FP_HOST"

// Config is the host configuration.
type Config struct {
	ProviderPaths []string   `mapstructure:"provider_paths" validate:"required,min=1,dive,required"`
	LogLevel      string     `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Wasm          WasmConfig `mapstructure:"wasm"`
	HTTP          HTTPConfig `mapstructure:"http"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"lte=65536"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances" validate:"gte=0"`
	// Export call timeout (seconds).
	CallTimeout int `mapstructure:"call_timeout" validate:"gte=0"`
}

// HTTPConfig configures the HTTP capability offered to guests.
type HTTPConfig struct {
	// Request timeout (seconds).
	Timeout          int           `mapstructure:"timeout" validate:"gte=0"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes" validate:"gt=0"`
	RateLimit        float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst            int           `mapstructure:"burst" validate:"gte=1"`
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of guest HTTP.
type BreakerConfig struct {
	MaxFailures uint32 `mapstructure:"max_failures" validate:"gte=1"`
	// Time the breaker stays open (seconds).
	OpenTimeout int `mapstructure:"open_timeout" validate:"gte=0"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":     "log_level",
	"provider-path": "provider_paths",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider_paths", []string{"./providers"})
	v.SetDefault("log_level", "info")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.call_timeout", 30)

	// HTTP defaults
	v.SetDefault("http.timeout", 10)
	v.SetDefault("http.max_response_bytes", 2*1024*1024)
	v.SetDefault("http.rate_limit", 50)
	v.SetDefault("http.burst", 10)
	v.SetDefault("http.breaker.max_failures", 5)
	v.SetDefault("http.breaker.open_timeout", 30)
}

// Load builds the configuration. configPath and flags are optional. Flags
// that were set on the command line win over the environment, which wins
// over the file.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Runtime returns the Wasm runtime settings.
func (c *Config) Runtime() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		MemoryPages:  c.Wasm.MemoryPages,
		DebugEnabled: c.Wasm.Debug,
		CacheDir:     c.Wasm.CacheDir,
		MaxInstances: c.Wasm.MaxInstances,
	}
}

// CallTimeout bounds a single export call. Zero means no bound.
func (c *Config) CallTimeout() time.Duration {
	return seconds(c.Wasm.CallTimeout)
}

// HTTPClient returns the settings of the guest HTTP client.
func (c *Config) HTTPClient() hostfuncs.HTTPConfig {
	return hostfuncs.HTTPConfig{
		Timeout:            seconds(c.HTTP.Timeout),
		MaxResponseBytes:   c.HTTP.MaxResponseBytes,
		RateLimit:          c.HTTP.RateLimit,
		Burst:              c.HTTP.Burst,
		BreakerMaxFailures: c.HTTP.Breaker.MaxFailures,
		BreakerOpenTimeout: seconds(c.HTTP.Breaker.OpenTimeout),
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
