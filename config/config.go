// Package config loads the corvod configuration: a YAML file describing
// realms, roles and listeners, with environment variable overrides, plus
// file watching for authorization rule hot-reload.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/corvoio/corvo/auth"
	"github.com/corvoio/corvo/wamp"
)

// Config is the full corvod configuration.
type Config struct {
	Listen  Listen  `yaml:"listen"`
	Realms  []Realm `yaml:"realms"`
	Auth    Auth    `yaml:"auth"`
	Store   Store   `yaml:"store"`
	Router  Router  `yaml:"router"`
	Logging Logging `yaml:"logging"`
}

// Listen configures the network surface.
type Listen struct {
	// Addr is the HTTP listen address for the WebSocket endpoint and the
	// metrics handler.
	Addr string `yaml:"addr" env:"CORVO_LISTEN_ADDR"`
	// WSPath is the WebSocket endpoint path.
	WSPath string `yaml:"ws_path" env:"CORVO_WS_PATH"`
	// MetricsPath serves Prometheus metrics; empty disables it.
	MetricsPath string `yaml:"metrics_path" env:"CORVO_METRICS_PATH"`
	// MaxMessageBytes bounds serialized message size in both directions;
	// zero disables the limit.
	MaxMessageBytes int64 `yaml:"max_message_bytes" env:"CORVO_MAX_MESSAGE_BYTES"`
}

// Realm declares one routing realm and its role permissions.
type Realm struct {
	Name  string `yaml:"name"`
	Roles []Role `yaml:"roles"`
}

// Role is one authrole's ordered permission list. The first matching
// permission decides.
type Role struct {
	Name        string       `yaml:"name"`
	Permissions []Permission `yaml:"permissions"`
}

// Permission grants actions on a URI pattern.
type Permission struct {
	URI      string `yaml:"uri"`
	Match    string `yaml:"match"`
	Allow    Allow  `yaml:"allow"`
	Disclose bool   `yaml:"disclose"`
}

// Allow lists the granted actions.
type Allow struct {
	Call      bool `yaml:"call"`
	Register  bool `yaml:"register"`
	Publish   bool `yaml:"publish"`
	Subscribe bool `yaml:"subscribe"`
}

// Auth configures session authentication.
type Auth struct {
	// Anonymous admits unauthenticated peers with the given role; empty
	// disables anonymous access when other methods are configured.
	AnonymousRole string `yaml:"anonymous_role" env:"CORVO_ANONYMOUS_ROLE"`
	// TicketSecret enables HMAC ticket authentication.
	TicketSecret string `yaml:"ticket_secret" env:"CORVO_TICKET_SECRET"`
	// JWKSURL enables JWT ticket authentication against a remote key set.
	JWKSURL string `yaml:"jwks_url" env:"CORVO_JWKS_URL"`
}

// Store configures realm persistence for event history and call queueing.
type Store struct {
	// Backend is "", "memory" or "redis".
	Backend string `yaml:"backend" env:"CORVO_STORE_BACKEND"`

	RedisAddr     string `yaml:"redis_addr" env:"CORVO_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"CORVO_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"CORVO_REDIS_DB"`

	HistoryLimit int `yaml:"history_limit" env:"CORVO_HISTORY_LIMIT"`
	QueueLimit   int `yaml:"queue_limit" env:"CORVO_QUEUE_LIMIT"`
}

// Router tunes routing behavior.
type Router struct {
	StrictURIs     bool `yaml:"strict_uris" env:"CORVO_STRICT_URIS"`
	EventChunkSize int  `yaml:"event_chunk_size" env:"CORVO_EVENT_CHUNK_SIZE"`
	RetainLimit    int  `yaml:"retain_limit" env:"CORVO_RETAIN_LIMIT"`
	// AuthCacheSize bounds cached authorization decisions; zero disables
	// the cache.
	AuthCacheSize int `yaml:"auth_cache_size" env:"CORVO_AUTH_CACHE_SIZE"`
}

// Logging tunes log output.
type Logging struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level" env:"CORVO_LOG_LEVEL"`
	// Format is "json" or "text".
	Format string `yaml:"format" env:"CORVO_LOG_FORMAT"`
}

// Default returns the configuration used when no file is given: a single
// open realm with anonymous access.
func Default() *Config {
	return &Config{
		Listen: Listen{
			Addr:        ":8080",
			WSPath:      "/ws",
			MetricsPath: "/metrics",
		},
		Auth: Auth{AnonymousRole: "anonymous"},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path (if non-empty), then applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	// envdecode errors only on malformed values; absent vars keep the
	// file's settings.
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for _, section := range []any{
		&cfg.Listen, &cfg.Auth, &cfg.Store, &cfg.Router, &cfg.Logging,
	} {
		if err := envdecode.Decode(section); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
			return fmt.Errorf("environment overrides: %w", err)
		}
	}
	return nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	for _, realm := range c.Realms {
		if !wamp.ValidURI(realm.Name, false, wamp.MatchExact) {
			return fmt.Errorf("invalid realm name %q", realm.Name)
		}
		for _, role := range realm.Roles {
			if role.Name == "" {
				return fmt.Errorf("realm %q: role without a name", realm.Name)
			}
			for _, perm := range role.Permissions {
				match := wamp.MatchPolicy(perm.Match).Normalize()
				if !match.Valid() {
					return fmt.Errorf("realm %q role %q: unknown match policy %q",
						realm.Name, role.Name, perm.Match)
				}
				if !wamp.ValidURI(perm.URI, false, match) {
					return fmt.Errorf("realm %q role %q: invalid permission uri %q",
						realm.Name, role.Name, perm.URI)
				}
			}
		}
	}
	switch c.Store.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("store backend redis requires redis_addr")
	}
	return nil
}

// RealmNames returns the configured realm allow-list, or nil when no
// realms are declared (open mode).
func (c *Config) RealmNames() []string {
	if len(c.Realms) == 0 {
		return nil
	}
	names := make([]string, len(c.Realms))
	for i, r := range c.Realms {
		names[i] = r.Name
	}
	return names
}

// RoleRules flattens all realms' role permissions into the static
// authorizer's rule table. Roles repeated across realms merge in file
// order.
func (c *Config) RoleRules() []auth.RoleRules {
	byRole := map[string]*auth.RoleRules{}
	var order []string
	for _, realm := range c.Realms {
		for _, role := range realm.Roles {
			rr, ok := byRole[role.Name]
			if !ok {
				rr = &auth.RoleRules{Role: role.Name}
				byRole[role.Name] = rr
				order = append(order, role.Name)
			}
			for _, perm := range role.Permissions {
				rr.Permissions = append(rr.Permissions, auth.Permission{
					URI:   perm.URI,
					Match: wamp.MatchPolicy(perm.Match).Normalize(),
					Allow: map[auth.Action]bool{
						auth.ActionCall:      perm.Allow.Call,
						auth.ActionRegister:  perm.Allow.Register,
						auth.ActionPublish:   perm.Allow.Publish,
						auth.ActionSubscribe: perm.Allow.Subscribe,
					},
					Disclose: perm.Disclose,
				})
			}
		}
	}
	out := make([]auth.RoleRules, 0, len(order))
	for _, name := range order {
		out = append(out, *byRole[name])
	}
	return out
}

// LogLevel maps the configured level string to a slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch c.Logging.Level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.Logging.Level)
}

// ReloadInterval is the debounce applied to config file change events.
const ReloadInterval = 500 * time.Millisecond
