// Package config reads service configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Token    string
	DBPath   string
	Port     string
	LogLevel slog.Level

	Panel Panel

	// CachePath is the live cache directory. Empty keeps it in memory.
	CachePath      string
	LiveCacheTTL   time.Duration
	PendingTTL     time.Duration
	NATSURL        string
	TracingEnabled bool
}

// Panel holds the panel connection and bypass settings.
type Panel struct {
	URL            string
	ApplicationKey string
	ClientKey      string
	FallbackNodeID int64

	HTTPTimeout time.Duration
	SyncTimeout time.Duration

	BypassEnabled     bool
	BypassMaxAttempts int
	BypassDelay       time.Duration
	DirectIP          string
	ProxyURL          string
	ProfilesPath      string

	// InsecureSkipVerify disables TLS certificate verification. Unsafe.
	InsecureSkipVerify bool
	LiveTelemetry      bool
}

// Load reads configuration using getenv and applies defaults. It returns an
// error when a required panel variable is absent or a value does not parse.
// API_TOKEN is read but not required; see LoadServer.
func Load(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}
	c := &Config{
		Token:  strings.TrimSpace(getenv("API_TOKEN")),
		DBPath: e.str("DB_PATH", "./panel_sync.db"),
		Port:   e.str("PORT", "8080"),

		CachePath:      strings.TrimSpace(getenv("LIVE_CACHE_PATH")),
		LiveCacheTTL:   e.duration("LIVE_CACHE_TTL", 10*time.Second),
		PendingTTL:     e.duration("POWER_PENDING_TTL", time.Minute),
		NATSURL:        strings.TrimSpace(getenv("NATS_URL")),
		TracingEnabled: e.boolean("TRACING_ENABLED", false),

		Panel: Panel{
			URL:            strings.TrimSpace(getenv("PANEL_URL")),
			ApplicationKey: strings.TrimSpace(getenv("PANEL_APPLICATION_KEY")),
			ClientKey:      strings.TrimSpace(getenv("PANEL_CLIENT_KEY")),
			FallbackNodeID: e.integer("PANEL_FALLBACK_NODE_ID", 1),

			HTTPTimeout: e.duration("PANEL_HTTP_TIMEOUT", 15*time.Second),
			SyncTimeout: e.duration("PANEL_SYNC_TIMEOUT", 2*time.Minute),

			BypassEnabled:     e.boolean("PANEL_BYPASS_ENABLED", true),
			BypassMaxAttempts: int(e.integer("PANEL_BYPASS_MAX_ATTEMPTS", 12)),
			BypassDelay:       e.duration("PANEL_BYPASS_DELAY", 750*time.Millisecond),
			DirectIP:          strings.TrimSpace(getenv("PANEL_DIRECT_IP")),
			ProxyURL:          strings.TrimSpace(getenv("PANEL_PROXY_URL")),
			ProfilesPath:      strings.TrimSpace(getenv("PANEL_BYPASS_PROFILES")),

			InsecureSkipVerify: e.boolean("PANEL_INSECURE_SKIP_VERIFY", false),
			LiveTelemetry:      e.boolean("PANEL_LIVE_TELEMETRY", true),
		},
	}
	c.LogLevel = e.level("LOG_LEVEL", slog.LevelInfo)

	if e.err != nil {
		return nil, e.err
	}
	if c.Panel.URL == "" {
		return nil, fmt.Errorf("PANEL_URL environment variable is required")
	}
	if c.Panel.ApplicationKey == "" {
		return nil, fmt.Errorf("PANEL_APPLICATION_KEY environment variable is required")
	}
	if c.Panel.BypassMaxAttempts < 0 {
		return nil, fmt.Errorf("PANEL_BYPASS_MAX_ATTEMPTS must not be negative")
	}
	return c, nil
}

// LoadServer is Load plus the HTTP service's required API_TOKEN.
func LoadServer(getenv func(string) string) (*Config, error) {
	if strings.TrimSpace(getenv("API_TOKEN")) == "" {
		return nil, fmt.Errorf("API_TOKEN environment variable is required")
	}
	return Load(getenv)
}

// Resolve returns override when it is set and fallback otherwise. Explicit
// values such as CLI flags beat environment values.
func Resolve(override, fallback string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

// env collects the first parse error so Load can report it once.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *env) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: invalid value %q: %w", key, v, err)
	}
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) boolean(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) integer(key string, def int64) int64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) level(key string, def slog.Level) slog.Level {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		e.fail(key, v, err)
		return def
	}
	return l
}
