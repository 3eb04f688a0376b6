// Package config loads controller configuration from an optional YAML file,
// an optional .env file and the environment, in that order of precedence
// (environment wins).
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
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
)

// Notification drivers.
const (
	NotifyLog    = "log"
	NotifySMTP   = "smtp"
	NotifyPubSub = "pubsub"
)

// Config holds controller configuration.
type Config struct {
	Port          string `yaml:"port"`
	Environment   string `yaml:"environment"`
	PublicBaseURL string `yaml:"public_base_url"`
	SiteName      string `yaml:"site_name"`
	RequireTLS    bool   `yaml:"require_tls"`

	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Notify    NotifyConfig    `yaml:"notify"`
	Worker    WorkerConfig    `yaml:"worker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"`
	Namespace string `yaml:"namespace"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SQLitePath string `yaml:"sqlite_path"`
}

// AuthConfig configures operator authentication.
type AuthConfig struct {
	JWTSigningKey string `yaml:"jwt_signing_key"`
	JWTIssuer     string `yaml:"jwt_issuer"`
	JWTAudience   string `yaml:"jwt_audience"`
}

// NotifyConfig configures offline alerts.
type NotifyConfig struct {
	Driver string `yaml:"driver"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
	SMTPFrom     string `yaml:"smtp_from"`

	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopic     string `yaml:"pubsub_notify_topic"`
}

// WorkerConfig configures the background worker.
type WorkerConfig struct {
	TokenOfflineAfter   time.Duration `yaml:"token_offline_after"`
	ReaperInterval      time.Duration `yaml:"reaper_interval"`
	WatchdogInterval    time.Duration `yaml:"watchdog_interval"`
	RecheckMaxAge       time.Duration `yaml:"recheck_max_age"`
	RecheckConcurrency  int           `yaml:"recheck_concurrency"`
	RecheckSubscription string        `yaml:"pubsub_recheck_subscription"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns a config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Port:          "8080",
		Environment:   "dev",
		PublicBaseURL: "http://localhost:8080",
		Store: StoreConfig{
			Backend:    StoreMemory,
			RedisAddr:  "localhost:6379",
			SQLitePath: "certdispatch.db",
		},
		Auth: AuthConfig{
			JWTIssuer:   "certdispatch",
			JWTAudience: "certdispatch-admin",
		},
		Notify: NotifyConfig{
			Driver:   NotifyLog,
			SMTPPort: 587,
		},
		Worker: WorkerConfig{
			TokenOfflineAfter:  15 * time.Minute,
			ReaperInterval:     time.Minute,
			WatchdogInterval:   time.Minute,
			RecheckMaxAge:      24 * time.Hour,
			RecheckConcurrency: 4,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Load reads the YAML file at path (if any), then envFile (if any), then
// applies environment overrides. Missing files are not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("APP_PORT", c.Port)
	c.Environment = getEnv("APP_ENV", c.Environment)
	c.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.SiteName = getEnv("SITE_NAME", c.SiteName)
	c.RequireTLS = getEnvBool("REQUIRE_TLS", c.RequireTLS)

	c.Store.Backend = strings.ToLower(getEnv("STORE_BACKEND", c.Store.Backend))
	c.Store.Namespace = getEnv("STORE_NAMESPACE", c.Store.Namespace)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = getEnvInt("REDIS_DB", c.Store.RedisDB)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)

	c.Auth.JWTSigningKey = getEnv("JWT_SIGNING_KEY", c.Auth.JWTSigningKey)
	c.Auth.JWTIssuer = getEnv("JWT_ISSUER", c.Auth.JWTIssuer)
	c.Auth.JWTAudience = getEnv("JWT_AUDIENCE", c.Auth.JWTAudience)

	c.Notify.Driver = strings.ToLower(getEnv("NOTIFY_DRIVER", c.Notify.Driver))
	c.Notify.SMTPHost = getEnv("SMTP_HOST", c.Notify.SMTPHost)
	c.Notify.SMTPPort = getEnvInt("SMTP_PORT", c.Notify.SMTPPort)
	c.Notify.SMTPUsername = getEnv("SMTP_USERNAME", c.Notify.SMTPUsername)
	c.Notify.SMTPPassword = getEnv("SMTP_PASSWORD", c.Notify.SMTPPassword)
	c.Notify.SMTPFrom = getEnv("SMTP_FROM", c.Notify.SMTPFrom)
	c.Notify.PubSubProjectID = getEnv("PUBSUB_PROJECT_ID", c.Notify.PubSubProjectID)
	c.Notify.PubSubTopic = getEnv("PUBSUB_NOTIFY_TOPIC", c.Notify.PubSubTopic)

	c.Worker.TokenOfflineAfter = getEnvDuration("TOKEN_OFFLINE_AFTER", c.Worker.TokenOfflineAfter)
	c.Worker.ReaperInterval = getEnvDuration("REAPER_INTERVAL", c.Worker.ReaperInterval)
	c.Worker.WatchdogInterval = getEnvDuration("WATCHDOG_INTERVAL", c.Worker.WatchdogInterval)
	c.Worker.RecheckMaxAge = getEnvDuration("RECHECK_MAX_AGE", c.Worker.RecheckMaxAge)
	c.Worker.RecheckConcurrency = getEnvInt("RECHECK_CONCURRENCY", c.Worker.RecheckConcurrency)
	c.Worker.RecheckSubscription = getEnv("PUBSUB_RECHECK_SUBSCRIPTION", c.Worker.RecheckSubscription)

	c.Telemetry.Enabled = getEnvBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
}

// Configuration errors.
var (
	ErrUnknownStore   = errors.New("unknown store backend")
	ErrUnknownNotify  = errors.New("unknown notify driver")
	ErrInvalidBaseURL = errors.New("public base url must be an absolute http(s) url")
	ErrProcessLocal   = errors.New("memory store is private to one process")
)

// ValidateShared is Validate for processes that must see the state written by
// another process, such as the worker. The memory backend is refused.
func (c *Config) ValidateShared() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Store.Backend == StoreMemory {
		return fmt.Errorf("%w: set STORE_BACKEND to postgres, redis or sqlite", ErrProcessLocal)
	}
	return nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidBaseURL
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("redis store requires REDIS_ADDR")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("sqlite store requires SQLITE_PATH")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Store.Backend)
	}

	switch c.Notify.Driver {
	case NotifyLog:
	case NotifySMTP:
		if c.Notify.SMTPHost == "" || c.Notify.SMTPFrom == "" {
			return errors.New("smtp notify driver requires SMTP_HOST and SMTP_FROM")
		}
	case NotifyPubSub:
		if c.Notify.PubSubProjectID == "" || c.Notify.PubSubTopic == "" {
			return errors.New("pubsub notify driver requires PUBSUB_PROJECT_ID and PUBSUB_NOTIFY_TOPIC")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownNotify, c.Notify.Driver)
	}

	if c.Worker.TokenOfflineAfter <= 0 {
		return errors.New("token offline threshold must be positive")
	}
	if c.Worker.RecheckConcurrency <= 0 {
		c.Worker.RecheckConcurrency = 1
	}
	return nil
}

// IsProduction reports whether the controller runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return fallback
}
