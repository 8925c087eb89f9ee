// Package config loads service configuration from a YAML file and the
// environment. Defaults mirror the tuned constants of the original client;
// environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Duration is a time.Duration that unmarshals from strings such as "8s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts either a Go duration string or an integer number of
// milliseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var ms int64
	if err := unmarshal(&ms); err == nil {
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"8s\" or milliseconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres"
	Path   string `yaml:"path"`   // sqlite file
	URL    string `yaml:"url"`    // postgres DSN
}

// RedisConfig enables the shared cooldown store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CallbackURL  string `yaml:"callback_url"`
}

// Enabled reports whether the provider has credentials.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

type AuthConfig struct {
	JWTSecret      string      `yaml:"jwt_secret"`
	TokenTTL       Duration    `yaml:"token_ttl"`
	SecureCookie   bool        `yaml:"secure_cookie"`
	Google         OAuthConfig `yaml:"google"`
	GitHub         OAuthConfig `yaml:"github"`
	ServiceKeyHash string      `yaml:"service_key_hash"`
}

type PositionConfig struct {
	MinRadius   float64 `yaml:"min_radius"`
	MaxRadius   float64 `yaml:"max_radius"`
	MinDistance float64 `yaml:"min_distance"`
	Attempts    int     `yaml:"attempts"`
}

type MessagesConfig struct {
	Cooldown        Duration `yaml:"cooldown"`
	TooltipDuration Duration `yaml:"tooltip_duration"`
	MaxLength       int      `yaml:"max_length"`
	HistoryLimit    int      `yaml:"history_limit"`
}

type PresenceConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	Highlight         Duration `yaml:"highlight"`
	OfflineAfter      Duration `yaml:"offline_after"`
	StaleAfter        Duration `yaml:"stale_after"`
	SweepInterval     Duration `yaml:"sweep_interval"`
}

// ThrottleConfig bounds per-IP request rate on the API.
type ThrottleConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type Config struct {
	Port     int            `yaml:"port"`
	LogLevel string         `yaml:"log_level"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Position PositionConfig `yaml:"positions"`
	Messages MessagesConfig `yaml:"messages"`
	Presence PresenceConfig `yaml:"presence"`
	Throttle ThrottleConfig `yaml:"throttle"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "debug",
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/cosmicfire.db",
		},
		Redis: RedisConfig{
			Prefix: "cosmicfire:",
		},
		Auth: AuthConfig{
			TokenTTL: Duration{7 * 24 * time.Hour},
		},
		Position: PositionConfig{
			MinRadius:   20,
			MaxRadius:   45,
			MinDistance: 8,
			Attempts:    100,
		},
		Messages: MessagesConfig{
			Cooldown:        Duration{8 * time.Second},
			TooltipDuration: Duration{5 * time.Second},
			MaxLength:       50,
			HistoryLimit:    30,
		},
		Presence: PresenceConfig{
			PollInterval:      Duration{10 * time.Second},
			HeartbeatInterval: Duration{5 * time.Second},
			Highlight:         Duration{3 * time.Second},
			OfflineAfter:      Duration{2 * time.Minute},
			StaleAfter:        Duration{24 * time.Hour},
			SweepInterval:     Duration{time.Hour},
		},
		Throttle: ThrottleConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.Auth.GitHub.CallbackURL == "" {
		cfg.Auth.GitHub.CallbackURL = fmt.Sprintf("http://localhost:%d/auth/github/callback", cfg.Port)
	}
	if cfg.Auth.Google.CallbackURL == "" {
		cfg.Auth.Google.CallbackURL = fmt.Sprintf("http://localhost:%d/auth/google/callback", cfg.Port)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DB_DRIVER":            &c.Database.Driver,
		"DB_PATH":              &c.Database.Path,
		"DATABASE_URL":         &c.Database.URL,
		"REDIS_ADDR":           &c.Redis.Addr,
		"JWT_SECRET":           &c.Auth.JWTSecret,
		"GOOGLE_CLIENT_ID":     &c.Auth.Google.ClientID,
		"GOOGLE_CLIENT_SECRET": &c.Auth.Google.ClientSecret,
		"GOOGLE_CALLBACK_URL":  &c.Auth.Google.CallbackURL,
		"GITHUB_CLIENT_ID":     &c.Auth.GitHub.ClientID,
		"GITHUB_CLIENT_SECRET": &c.Auth.GitHub.ClientSecret,
		"GITHUB_CALLBACK_URL":  &c.Auth.GitHub.CallbackURL,
		"SERVICE_KEY_HASH":     &c.Auth.ServiceKeyHash,
		"LOG_LEVEL":            &c.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT value %q", v)
		}
		c.Port = port
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	p := c.Position
	if p.MinRadius <= 0 {
		errs = append(errs, errors.New("positions.min_radius must be positive"))
	}
	if p.MinRadius >= p.MaxRadius {
		errs = append(errs, errors.New("positions.min_radius must be less than max_radius"))
	}
	if p.MaxRadius > 50 {
		errs = append(errs, errors.New("positions.max_radius must keep stars on the canvas (<= 50)"))
	}
	if p.Attempts < 1 {
		errs = append(errs, errors.New("positions.attempts must be at least 1"))
	}

	m := c.Messages
	if m.MaxLength < 1 {
		errs = append(errs, errors.New("messages.max_length must be at least 1"))
	}
	if m.Cooldown.Duration < 0 || m.TooltipDuration.Duration <= 0 {
		errs = append(errs, errors.New("messages.cooldown and tooltip_duration must be positive"))
	}
	if m.HistoryLimit < 1 {
		errs = append(errs, errors.New("messages.history_limit must be at least 1"))
	}

	pr := c.Presence
	for name, d := range map[string]Duration{
		"poll_interval":  pr.PollInterval,
		"highlight":      pr.Highlight,
		"offline_after":  pr.OfflineAfter,
		"stale_after":    pr.StaleAfter,
		"sweep_interval": pr.SweepInterval,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("presence.%s must be positive", name))
		}
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// LogSummary writes the effective configuration, without secrets.
func (c *Config) LogSummary(logger *slog.Logger) {
	logger.Info("configuration loaded",
		slog.Int("port", c.Port),
		slog.String("db_driver", c.Database.Driver),
		slog.Bool("redis", c.Redis.Addr != ""),
		slog.Bool("google", c.Auth.Google.Enabled()),
		slog.Bool("github", c.Auth.GitHub.Enabled()),
		slog.Duration("cooldown", c.Messages.Cooldown.Duration),
		slog.Duration("poll_interval", c.Presence.PollInterval.Duration),
	)
}
