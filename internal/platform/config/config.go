// Package config loads livedub settings from defaults, an optional YAML file,
// .env files, LIVEDUB_ environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. LIVEDUB_PROBE_INTERVAL.
const EnvPrefix = "LIVEDUB"

var flagName = strings.NewReplacer(".", "-", "_", "-")

// Config is the typed configuration shared by every command.
type Config struct {
	API     EndpointConfig `mapstructure:"api"`
	HLS     EndpointConfig `mapstructure:"hls"`
	Logs    LogsConfig     `mapstructure:"logs"`
	Probe   ProbeConfig    `mapstructure:"probe"`
	Player  PlayerConfig   `mapstructure:"player"`
	Server  ServerConfig   `mapstructure:"server"`
	Logging LoggingConfig  `mapstructure:"logging"`
}

// EndpointConfig points at one pipeline surface.
type EndpointConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// LogsConfig selects how the pipeline log is followed.
type LogsConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Scope     string `mapstructure:"scope"`
	Transport string `mapstructure:"transport"`
	Reconnect bool   `mapstructure:"reconnect"`
}

// ProbeConfig tunes the manifest wait.
type ProbeConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Verify   bool          `mapstructure:"verify"`
}

// PlayerConfig tunes the stream attachment.
type PlayerConfig struct {
	MaxNetworkRetries int    `mapstructure:"max_network_retries"`
	Output            string `mapstructure:"output"`
}

// ServerConfig is the control API listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults installs the default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("hls.base_url", "http://localhost:8000/hls")
	v.SetDefault("logs.base_url", "http://localhost:8000")
	v.SetDefault("logs.scope", "session")
	v.SetDefault("logs.transport", "sse")
	v.SetDefault("logs.reconnect", false)
	v.SetDefault("probe.interval", 3*time.Second)
	v.SetDefault("probe.timeout", time.Duration(0))
	v.SetDefault("probe.verify", false)
	v.SetDefault("player.max_network_retries", 3)
	v.SetDefault("player.output", "dub.ts")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load builds a Config. configPath may be empty, in which case livedub.yaml
// is looked up in the working directory and a missing file is not an error.
// Flags in fs named after a key with dots and underscores turned into
// dashes (hls-base-url) override every other source when set.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	_ = LoadEnv()

	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("livedub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for _, key := range v.AllKeys() {
			if f := fs.Lookup(flagName.Replace(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", f.Name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks URLs and enumerations.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"api.base_url":  c.API.BaseURL,
		"hls.base_url":  c.HLS.BaseURL,
		"logs.base_url": c.Logs.BaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s: %q is not an http(s) URL", name, raw)
		}
	}
	switch c.Logs.Scope {
	case "session", "shared":
	default:
		return fmt.Errorf("logs.scope: must be session or shared, got %q", c.Logs.Scope)
	}
	switch c.Logs.Transport {
	case "sse", "websocket":
	default:
		return fmt.Errorf("logs.transport: must be sse or websocket, got %q", c.Logs.Transport)
	}
	if c.Probe.Interval <= 0 {
		return fmt.Errorf("probe.interval: must be positive, got %s", c.Probe.Interval)
	}
	if c.Probe.Timeout < 0 {
		return fmt.Errorf("probe.timeout: must not be negative, got %s", c.Probe.Timeout)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	return nil
}

// Addr returns the control API listen address.
func (c *ServerConfig) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// LoadEnv reads .env files into the process environment. With no paths,
// ".env" is used. A missing file returns an error callers may ignore.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration is GetEnv for durations such as "2s".
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
