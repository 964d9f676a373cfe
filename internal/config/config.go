// Package config provides configuration management for hlsgate using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 7860
	defaultShutdownTimeout     = 10 * time.Second
	defaultRequestTimeout      = 30 * time.Second
	defaultConnectTimeout      = 10 * time.Second
	defaultRetryAttempts       = 3
	defaultRetryDelay          = 500 * time.Millisecond
	defaultPlaylistTTL         = 10 * time.Second
	defaultPlaylistMaxEntries  = 200
	defaultSegmentMaxItems     = 500
	defaultSegmentMaxTotal     = 512 * 1024 * 1024 // 512 MiB
	defaultSegmentMaxItem      = 8 * 1024 * 1024   // 8 MiB
	defaultSweepInterval       = time.Minute
	defaultLandingRefresh      = time.Hour
	defaultPrefetchConcurrency = 3
)

// Resolver landing defaults. The source URL hosts a one-line descriptor with
// the currently active landing domain; the fallback is used until the first
// successful refresh.
const (
	defaultLandingSourceURL = "https://raw.githubusercontent.com/hlsgate/endpoints/main/landing.txt"
	defaultLandingFallback  = "https://daddylive.sx/"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Rewrite  RewriteConfig  `mapstructure:"rewrite"`
	Prefetch PrefetchConfig `mapstructure:"prefetch"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// BaseURL is the absolute URL clients reach this server on; it is the
	// prefix of every rewritten playlist URL. Empty means derive it from the
	// request's Host header with the http scheme.
	BaseURL         string        `mapstructure:"base_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// UpstreamConfig holds outbound HTTP client and routing policy configuration.
type UpstreamConfig struct {
	// VerifySSL enables TLS certificate verification for upstream fetches.
	// Off by default: the upstreams this proxy fronts routinely present
	// mismatched or self-signed certificates.
	VerifySSL bool `mapstructure:"verify_ssl"`
	// RequestTimeout is the read budget for the first fetch attempt. Accepts
	// bare integers (seconds) or duration strings.
	RequestTimeout Duration      `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`

	// Proxy lists are comma-separated in env form. GeneralProxy is consulted
	// first, then Socks5Proxy, then the scheme-matched HTTP(S) proxy.
	GeneralProxy []string `mapstructure:"general_proxy"`
	Socks5Proxy  []string `mapstructure:"socks5_proxy"`
	HTTPProxy    []string `mapstructure:"http_proxy"`
	HTTPSProxy   []string `mapstructure:"https_proxy"`

	// AllowedDomains restricts /proxy/m3u target hosts when non-empty
	// (substring match); requests outside the list are refused with 403.
	AllowedDomains []string `mapstructure:"allowed_domains"`

	// CircuitBreakerThreshold consecutive failures open the per-host breaker;
	// 0 disables it.
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

// CacheConfig holds the bounds of the three in-memory stores.
type CacheConfig struct {
	PlaylistTTL        Duration `mapstructure:"playlist_ttl"`
	PlaylistMaxEntries int      `mapstructure:"playlist_max_entries"`
	SegmentMaxItems    int      `mapstructure:"segment_max_items"`
	// SegmentMaxTotal is the global byte budget for cached segments.
	// Supports human-readable values like "512MiB" or raw byte counts.
	SegmentMaxTotal ByteSize `mapstructure:"segment_max_total"`
	// SegmentMaxItem caps a single cached segment; larger bodies stream
	// through uncached.
	SegmentMaxItem ByteSize `mapstructure:"segment_max_item"`
	SweepInterval  Duration `mapstructure:"sweep_interval"`
}

// ResolverConfig holds landing-page resolution configuration.
type ResolverConfig struct {
	// LandingSourceURL is the remote descriptor the current landing base is
	// read from (fetched direct, never through the outbound proxy).
	LandingSourceURL string `mapstructure:"landing_source_url"`
	// LandingFallback is used until the first successful refresh.
	LandingFallback string        `mapstructure:"landing_fallback"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	// UserAgent is sent on landing, iframe, and handshake fetches.
	UserAgent string `mapstructure:"user_agent"`
}

// RewriteConfig holds playlist rewriting configuration.
type RewriteConfig struct {
	// BypassHosts are emitted unchanged by the ingest rewriter
	// (case-insensitive host containment).
	BypassHosts []string `mapstructure:"bypass_hosts"`
}

// PrefetchConfig holds next-segment prefetch configuration.
type PrefetchConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HLSGATE_ and use underscores for
// nesting (HLSGATE_SERVER_PORT=7860). The unprefixed legacy names (PORT,
// SERVER_BASE_URL, VERIFY_SSL, REQUEST_TIMEOUT, GENERAL_PROXY, SOCKS5_PROXY,
// HTTP_PROXY, HTTPS_PROXY, ALLOWED_DOMAINS) are honoured as fallbacks.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlsgate")
		v.AddConfigPath("$HOME/.hlsgate")
	}

	// Environment variable settings
	v.SetEnvPrefix("HLSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// bindLegacyEnv maps the flat environment names of earlier deployments onto
// their dotted keys. The prefixed name is listed first so it wins when both
// are set.
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"server.port":              "PORT",
		"server.base_url":          "SERVER_BASE_URL",
		"upstream.verify_ssl":      "VERIFY_SSL",
		"upstream.request_timeout": "REQUEST_TIMEOUT",
		"upstream.general_proxy":   "GENERAL_PROXY",
		"upstream.socks5_proxy":    "SOCKS5_PROXY",
		"upstream.http_proxy":      "HTTP_PROXY",
		"upstream.https_proxy":     "HTTPS_PROXY",
		"upstream.allowed_domains": "ALLOWED_DOMAINS",
	}
	for key, env := range legacy {
		prefixed := "HLSGATE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, prefixed, env)
	}
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Upstream defaults
	v.SetDefault("upstream.verify_ssl", false)
	v.SetDefault("upstream.request_timeout", defaultRequestTimeout)
	v.SetDefault("upstream.connect_timeout", defaultConnectTimeout)
	v.SetDefault("upstream.retry_attempts", defaultRetryAttempts)
	v.SetDefault("upstream.retry_delay", defaultRetryDelay)
	v.SetDefault("upstream.general_proxy", []string{})
	v.SetDefault("upstream.socks5_proxy", []string{})
	v.SetDefault("upstream.http_proxy", []string{})
	v.SetDefault("upstream.https_proxy", []string{})
	v.SetDefault("upstream.allowed_domains", []string{})
	v.SetDefault("upstream.circuit_breaker_threshold", 0)
	v.SetDefault("upstream.circuit_breaker_timeout", 30*time.Second)

	// Cache defaults
	v.SetDefault("cache.playlist_ttl", defaultPlaylistTTL)
	v.SetDefault("cache.playlist_max_entries", defaultPlaylistMaxEntries)
	v.SetDefault("cache.segment_max_items", defaultSegmentMaxItems)
	v.SetDefault("cache.segment_max_total", defaultSegmentMaxTotal)
	v.SetDefault("cache.segment_max_item", defaultSegmentMaxItem)
	v.SetDefault("cache.sweep_interval", defaultSweepInterval)

	// Resolver defaults
	v.SetDefault("resolver.landing_source_url", defaultLandingSourceURL)
	v.SetDefault("resolver.landing_fallback", defaultLandingFallback)
	v.SetDefault("resolver.refresh_interval", defaultLandingRefresh)
	v.SetDefault("resolver.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36")

	// Rewrite defaults
	v.SetDefault("rewrite.bypass_hosts", []string{"pluto.tv"})

	// Prefetch defaults
	v.SetDefault("prefetch.enabled", true)
	v.SetDefault("prefetch.concurrency", defaultPrefetchConcurrency)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.base_url must be an absolute URL")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Upstream validation
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream.request_timeout must be positive")
	}
	if c.Upstream.RetryAttempts < 1 {
		return fmt.Errorf("upstream.retry_attempts must be at least 1")
	}

	// Cache validation. Live playlists go stale in seconds; a TTL outside
	// 5-60s is a misconfiguration, not a preference.
	if ttl := c.Cache.PlaylistTTL.Duration(); ttl < 5*time.Second || ttl > 60*time.Second {
		return fmt.Errorf("cache.playlist_ttl must be between 5s and 60s")
	}
	if c.Cache.PlaylistMaxEntries < 1 {
		return fmt.Errorf("cache.playlist_max_entries must be at least 1")
	}
	if c.Cache.SegmentMaxItems < 1 {
		return fmt.Errorf("cache.segment_max_items must be at least 1")
	}
	if c.Cache.SegmentMaxTotal < 1 {
		return fmt.Errorf("cache.segment_max_total must be positive")
	}
	if c.Cache.SegmentMaxItem < 1 || c.Cache.SegmentMaxItem.Bytes() > c.Cache.SegmentMaxTotal.Bytes() {
		return fmt.Errorf("cache.segment_max_item must be positive and no larger than cache.segment_max_total")
	}

	// Resolver validation
	if c.Resolver.LandingFallback != "" && !strings.HasSuffix(c.Resolver.LandingFallback, "/") {
		return fmt.Errorf("resolver.landing_fallback must end with a trailing slash")
	}

	// Prefetch validation
	if c.Prefetch.Enabled && c.Prefetch.Concurrency < 1 {
		return fmt.Errorf("prefetch.concurrency must be at least 1 when prefetch is enabled")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
