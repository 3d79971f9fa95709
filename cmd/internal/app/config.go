package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"coachsync/cmd/internal/roster"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration. Environment variables win over
// the optional YAML file named by COACHSYNC_CONFIG.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Upstream realtime gateway.
	UpstreamURL    string
	Origin         string
	Token          string
	UserID         string
	RequestTimeout time.Duration
	TypingThrottle time.Duration

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Zero selects the default TTL; negative disables expiry.
	TypingTTL   time.Duration
	TypingSweep time.Duration

	WatchAllowedOrigins []string
	WatchOriginRequired bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Static roster used when DatabaseURL is empty.
	Roster roster.File
}

// fileConfig is the YAML shape of COACHSYNC_CONFIG.
type fileConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	UserID   string `yaml:"user_id"`

	Upstream struct {
		URL    string `yaml:"url"`
		Origin string `yaml:"origin"`
	} `yaml:"upstream"`

	Database struct {
		URL    string `yaml:"url"`
		Schema string `yaml:"schema"`
	} `yaml:"database"`

	Watch struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"watch"`

	Roster roster.File `yaml:"roster"`
}

// LoadConfig loads .env (if present), the optional YAML file and the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var fc fileConfig
	if path := EnvString("COACHSYNC_CONFIG", ""); path != "" {
		var err error
		if fc, err = readFileConfig(path); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTPAddr:  EnvString("COACHSYNC_HTTP_ADDR", orDefault(fc.HTTPAddr, "127.0.0.1:8090")),
		LogLevel:  EnvString("COACHSYNC_LOG_LEVEL", "info"),
		LogFormat: EnvString("COACHSYNC_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COACHSYNC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COACHSYNC_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COACHSYNC_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COACHSYNC_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COACHSYNC_HTTP_MAX_HEADER_BYTES", 1<<20),

		UpstreamURL:    EnvString("COACHSYNC_UPSTREAM_URL", fc.Upstream.URL),
		Origin:         EnvString("COACHSYNC_ORIGIN", fc.Upstream.Origin),
		Token:          EnvString("COACHSYNC_TOKEN", ""),
		UserID:         EnvString("COACHSYNC_USER_ID", fc.UserID),
		RequestTimeout: EnvDuration("COACHSYNC_REQUEST_TIMEOUT", 10*time.Second),
		TypingThrottle: EnvDuration("COACHSYNC_TYPING_THROTTLE", 3*time.Second),

		DatabaseURL: EnvString("COACHSYNC_DATABASE_URL", fc.Database.URL),
		DBSchema:    EnvString("COACHSYNC_DB_SCHEMA", orDefault(fc.Database.Schema, "coachsync")),
		DBMaxConns:  EnvInt32("COACHSYNC_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("COACHSYNC_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("COACHSYNC_READINESS_REQUIRE_DB", false),

		TypingTTL:   EnvSignedDuration("COACHSYNC_TYPING_TTL", 8*time.Second),
		TypingSweep: EnvDuration("COACHSYNC_TYPING_SWEEP", 2*time.Second),

		WatchAllowedOrigins: EnvCSV("COACHSYNC_WATCH_ALLOWED_ORIGINS", fc.Watch.AllowedOrigins),
		WatchOriginRequired: EnvBool("COACHSYNC_WATCH_ORIGIN_REQUIRED", false),

		CORSAllowedOrigins:   EnvCSV("COACHSYNC_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("COACHSYNC_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COACHSYNC_CORS_MAX_AGE", 600),

		Roster: fc.Roster,
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings the daemon cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return errors.New("config: COACHSYNC_UPSTREAM_URL is required")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unsupported COACHSYNC_LOG_FORMAT %q (json|pretty)", c.LogFormat)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("config: COACHSYNC_DB_MIN_CONNS (%d) exceeds COACHSYNC_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

func readFileConfig(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.Roster.Validate(); err != nil {
		return fileConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return fc, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
