// Package config loads reqcorr settings from defaults, an optional YAML file
// and REQCORR_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. REQCORR_SERVER_ADDR
const EnvPrefix = "REQCORR"

// Config is the effective configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit" yaml:"ratelimit"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast" yaml:"broadcast"`
	AutoCapture AutoCaptureConfig `mapstructure:"autocapture" yaml:"autocapture"`
	Notary      NotaryConfig      `mapstructure:"notary" yaml:"notary"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	CDP         CDPConfig         `mapstructure:"cdp" yaml:"cdp"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	TLSCert         string        `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key" yaml:"tls_key"`
	ClientCA        string        `mapstructure:"client_ca" yaml:"client_ca"` // require client certificates signed by this CA
}

// TLSEnabled reports whether the API listener serves HTTPS
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCert != "" && s.TLSKey != ""
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
	// MaxSizeMB rotates the log file once it grows past this size
	MaxSizeMB int64 `mapstructure:"max_size_mb" yaml:"max_size_mb"`
}

type AuthConfig struct {
	APIKeys      []string `mapstructure:"api_keys" yaml:"api_keys"`
	APIKeyHashes []string `mapstructure:"api_key_hashes" yaml:"api_key_hashes"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// StoreConfig selects where completed records are kept for the process lifetime
type StoreConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"` // memory or sqlite
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
}

type BroadcastConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
}

type AutoCaptureConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Method            string        `mapstructure:"method" yaml:"method"`
	ResourceType      string        `mapstructure:"resource_type" yaml:"resource_type"`
	URLPattern        string        `mapstructure:"url_pattern" yaml:"url_pattern"`
	BufferCapacity    int           `mapstructure:"buffer_capacity" yaml:"buffer_capacity"`
	BufferTTL         time.Duration `mapstructure:"buffer_ttl" yaml:"buffer_ttl"`
	MaxTranscriptSize int           `mapstructure:"max_transcript_size" yaml:"max_transcript_size"`
}

type NotaryConfig struct {
	URL      string        `mapstructure:"url" yaml:"url"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries  int           `mapstructure:"retries" yaml:"retries"`
	CAFile   string        `mapstructure:"ca_file" yaml:"ca_file"`
	CertFile string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string        `mapstructure:"key_file" yaml:"key_file"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
}

// CDPConfig drives the watch command
type CDPConfig struct {
	ControlURL string `mapstructure:"control_url" yaml:"control_url"` // existing browser; empty launches one
	Headless   bool   `mapstructure:"headless" yaml:"headless"`
	StartURL   string `mapstructure:"start_url" yaml:"start_url"`
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.client_ca", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)
	v.SetDefault("log.max_size_mb", 100)

	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.api_key_hashes", []string{})

	v.SetDefault("ratelimit.rps", 200.0)
	v.SetDefault("ratelimit.burst", 400)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.capacity", 1000)

	v.SetDefault("broadcast.subscriber_buffer", 64)

	v.SetDefault("autocapture.enabled", true)
	v.SetDefault("autocapture.method", "GET")
	v.SetDefault("autocapture.resource_type", "xmlhttprequest")
	v.SetDefault("autocapture.url_pattern", "://api.twitter.com/1.1/account/settings.json")
	v.SetDefault("autocapture.buffer_capacity", 256)
	v.SetDefault("autocapture.buffer_ttl", 2*time.Minute)
	v.SetDefault("autocapture.max_transcript_size", 49152)

	v.SetDefault("notary.url", "http://127.0.0.1:7047")
	v.SetDefault("notary.timeout", 30*time.Second)
	v.SetDefault("notary.retries", 3)
	v.SetDefault("notary.ca_file", "")
	v.SetDefault("notary.cert_file", "")
	v.SetDefault("notary.key_file", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("cdp.control_url", "")
	v.SetDefault("cdp.headless", false)
	v.SetDefault("cdp.start_url", "about:blank")
}

// Load reads configuration into v. When file is empty, config.yaml is looked
// up in $HOME/.reqcorr and the working directory; a missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".reqcorr"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or sqlite", c.Store.Driver))
	}
	if c.Store.Capacity <= 0 {
		errs = append(errs, errors.New("store.capacity must be positive"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Server.ClientCA != "" && !c.Server.TLSEnabled() {
		errs = append(errs, errors.New("server.client_ca requires server.tls_cert and server.tls_key"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("ratelimit.rps must not be negative"))
	}
	if c.Broadcast.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("broadcast.subscriber_buffer must be positive"))
	}
	if c.AutoCapture.Enabled {
		if c.AutoCapture.URLPattern == "" {
			errs = append(errs, errors.New("autocapture.url_pattern is required when auto-capture is enabled"))
		}
		if c.Notary.URL == "" {
			errs = append(errs, errors.New("notary.url is required when auto-capture is enabled"))
		}
	}
	if c.Notary.Timeout <= 0 {
		errs = append(errs, errors.New("notary.timeout must be positive"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
