// Package config loads the immutable service configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file, then
// environment variables (a .env file is loaded first when present). The result
// is validated once at startup and injected into every component.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Broker adapter identifiers.
const (
	AdapterAlpaca = "alpaca"
	AdapterIBKR   = "ibkr"
	AdapterPaper  = "paper"
)

// Config is the root service configuration.
type Config struct {
	Env        string                  `yaml:"env"`
	Server     ServerConfig            `yaml:"server"`
	Logging    LoggingConfig           `yaml:"logging"`
	Database   DatabaseConfig          `yaml:"database"`
	Security   SecurityConfig          `yaml:"security"`
	RateLimits RateLimitsConfig        `yaml:"rate_limits"`
	Redis      RedisConfig             `yaml:"redis"`
	Jobs       JobsConfig              `yaml:"jobs"`
	Orders     OrdersConfig            `yaml:"orders"`
	Brokers    map[string]BrokerConfig `yaml:"brokers"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// APIClient is an API key pair allowed to request caller tokens.
type APIClient struct {
	Secret string `yaml:"secret"`
	UserID string `yaml:"user_id"`
}

type SecurityConfig struct {
	JWTSecret      string               `yaml:"jwt_secret"`
	TokenTTL       time.Duration        `yaml:"token_ttl"`
	StateSecret    string               `yaml:"state_secret"`
	StateTTL       time.Duration        `yaml:"state_ttl"`
	EncryptionKey  string               `yaml:"encryption_key"`
	EncryptionSalt string               `yaml:"encryption_salt"`
	InternalToken  string               `yaml:"internal_token"`
	APIClients     map[string]APIClient `yaml:"api_clients"`
}

// LimitConfig configures one endpoint class of the rate limiter.
type LimitConfig struct {
	MaxRequests   int           `yaml:"max_requests"`
	Window        time.Duration `yaml:"window"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

type RateLimitsConfig struct {
	Store         string        `yaml:"store"` // memory or redis
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Auth          LimitConfig   `yaml:"auth"`
	API           LimitConfig   `yaml:"api"`
	Orders        LimitConfig   `yaml:"orders"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type JobsConfig struct {
	Driver                string        `yaml:"driver"` // memory or kafka
	Workers               int           `yaml:"workers"`
	QueueSize             int           `yaml:"queue_size"`
	MaxRetries            int           `yaml:"max_retries"`
	BaseDelay             time.Duration `yaml:"base_delay"`
	MonitorInterval       time.Duration `yaml:"monitor_interval"`
	SyncInterval          time.Duration `yaml:"sync_interval"`
	VerifierSweepInterval time.Duration `yaml:"verifier_sweep_interval"`
	StalePendingAfter     time.Duration `yaml:"stale_pending_after"`
	Kafka                 KafkaConfig   `yaml:"kafka"`
}

// Order submission modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// OrdersConfig controls order submission. SubmitLease is how long a claimed
// order is left to the attempt that claimed it before another attempt may
// place it again.
type OrdersConfig struct {
	SubmissionMode string        `yaml:"submission_mode"`
	MaxQuantity    float64       `yaml:"max_quantity"`
	SubmitLease    time.Duration `yaml:"submit_lease"`
}

// SessionConfig describes a session based gateway for brokers without OAuth2.
type SessionConfig struct {
	GatewayURL         string        `yaml:"gateway_url"`
	KeepAliveInterval  time.Duration `yaml:"keep_alive_interval"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	ReauthAttempts     int           `yaml:"reauth_attempts"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	StartingCash float64            `yaml:"starting_cash"`
	Commission   float64            `yaml:"commission"`
	Prices       map[string]float64 `yaml:"prices"`
}

// BrokerConfig is the static descriptor of one supported broker.
type BrokerConfig struct {
	ID                   string            `yaml:"id"`
	Name                 string            `yaml:"name"`
	Adapter              string            `yaml:"adapter"`
	ClientID             string            `yaml:"client_id"`
	ClientSecret         string            `yaml:"client_secret"`
	AuthURL              string            `yaml:"auth_url"`
	TokenURL             string            `yaml:"token_url"`
	RevokeURL            string            `yaml:"revoke_url"`
	RedirectURI          string            `yaml:"redirect_uri"`
	Scopes               []string          `yaml:"scopes"`
	RefreshBufferSeconds int               `yaml:"refresh_buffer_seconds"`
	RequiresPKCE         bool              `yaml:"requires_pkce"`
	Headers              map[string]string `yaml:"headers"`
	APIBaseURL           string            `yaml:"api_base_url"`
	Session              *SessionConfig    `yaml:"session"`
	Paper                *PaperConfig      `yaml:"paper"`
}

// HasOAuth2 reports whether the broker defines OAuth2 endpoints.
func (b BrokerConfig) HasOAuth2() bool {
	return b.AuthURL != "" && b.TokenURL != ""
}

// HasClientCredentials reports whether OAuth2 client credentials were supplied.
func (b BrokerConfig) HasClientCredentials() bool {
	return b.ClientID != "" && b.ClientSecret != ""
}

// RefreshBuffer is how long before expiry an access token is renewed.
func (b BrokerConfig) RefreshBuffer() time.Duration {
	if b.RefreshBufferSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(b.RefreshBufferSeconds) * time.Second
}

// Clone returns a deep copy so consumers never share mutable state.
func (b BrokerConfig) Clone() BrokerConfig {
	out := b
	out.Scopes = append([]string(nil), b.Scopes...)
	if b.Headers != nil {
		out.Headers = make(map[string]string, len(b.Headers))
		for k, v := range b.Headers {
			out.Headers[k] = v
		}
	}
	if b.Session != nil {
		s := *b.Session
		out.Session = &s
	}
	if b.Paper != nil {
		p := *b.Paper
		p.Prices = make(map[string]float64, len(b.Paper.Prices))
		for k, v := range b.Paper.Prices {
			p.Prices[k] = v
		}
		out.Paper = &p
	}
	return out
}

// Broker returns a copy of the descriptor for id.
func (c *Config) Broker(id string) (BrokerConfig, bool) {
	b, ok := c.Brokers[strings.ToLower(id)]
	if !ok {
		return BrokerConfig{}, false
	}
	return b.Clone(), true
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists) and the environment, then validates it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			log.Debug().Str("path", path).Msg("config file not found, using defaults")
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Env, "ENV")
	setString(&c.Server.Port, "PORT")
	setString(&c.Logging.Level, "LOG_LEVEL")
	if os.Getenv("DEBUG") == "true" {
		c.Logging.Level = "debug"
	}
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.Security.JWTSecret, "JWT_SECRET")
	setString(&c.Security.StateSecret, "STATE_SECRET")
	setString(&c.Security.EncryptionKey, "ENCRYPTION_KEY")
	setString(&c.Security.EncryptionSalt, "ENCRYPTION_SALT")
	setString(&c.Security.InternalToken, "INTERNAL_TOKEN")
	setString(&c.RateLimits.Store, "RATE_LIMIT_STORE")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Jobs.Driver, "JOBS_DRIVER")
	setString(&c.Orders.SubmissionMode, "ORDER_SUBMISSION_MODE")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Jobs.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("JOB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Jobs.Workers = n
		}
	}

	for id, b := range c.Brokers {
		prefix := strings.ToUpper(id) + "_"
		setString(&b.ClientID, prefix+"CLIENT_ID")
		setString(&b.ClientSecret, prefix+"CLIENT_SECRET")
		setString(&b.RedirectURI, prefix+"REDIRECT_URI")
		setString(&b.APIBaseURL, prefix+"API_BASE_URL")
		if b.Session != nil {
			s := *b.Session
			setString(&s.GatewayURL, prefix+"GATEWAY_URL")
			b.Session = &s
		}
		c.Brokers[id] = b
	}
}

func (c *Config) normalize() {
	normalized := make(map[string]BrokerConfig, len(c.Brokers))
	for id, b := range c.Brokers {
		id = strings.ToLower(id)
		if b.ID == "" {
			b.ID = id
		}
		if b.Session != nil {
			if b.Session.KeepAliveInterval <= 0 {
				b.Session.KeepAliveInterval = 30 * time.Second
			}
			if b.Session.SessionTTL <= 0 {
				b.Session.SessionTTL = 10 * time.Minute
			}
			if b.Session.ReauthAttempts <= 0 {
				b.Session.ReauthAttempts = 5
			}
		}
		normalized[id] = b
	}
	c.Brokers = normalized

	for _, l := range []*LimitConfig{&c.RateLimits.Auth, &c.RateLimits.API, &c.RateLimits.Orders} {
		if l.BlockDuration <= 0 {
			l.BlockDuration = 2 * l.Window
		}
	}
}

// Validate fails fast on configuration the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Security.JWTSecret == "" {
		errs = append(errs, errors.New("security.jwt_secret is required"))
	}
	if c.Security.StateSecret == "" {
		errs = append(errs, errors.New("security.state_secret is required"))
	}
	if len(c.Security.EncryptionKey) < 16 {
		errs = append(errs, errors.New("security.encryption_key must be at least 16 characters"))
	}
	if c.IsProduction() {
		if c.Security.JWTSecret == devJWTSecret || c.Security.StateSecret == devStateSecret || c.Security.EncryptionKey == devEncryptionKey {
			errs = append(errs, errors.New("development secrets are not allowed in production"))
		}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.RateLimits.Store {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis rate limit store"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limits.store %q is not supported", c.RateLimits.Store))
	}
	for name, l := range map[string]LimitConfig{"auth": c.RateLimits.Auth, "api": c.RateLimits.API, "orders": c.RateLimits.Orders} {
		if l.MaxRequests <= 0 || l.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s needs positive max_requests and window", name))
		}
	}
	switch c.Jobs.Driver {
	case "memory":
	case "kafka":
		if len(c.Jobs.Kafka.Brokers) == 0 || c.Jobs.Kafka.Topic == "" {
			errs = append(errs, errors.New("jobs.kafka needs brokers and topic"))
		}
	default:
		errs = append(errs, fmt.Errorf("jobs.driver %q is not supported", c.Jobs.Driver))
	}
	if c.Jobs.Workers <= 0 || c.Jobs.MaxRetries < 0 {
		errs = append(errs, errors.New("jobs.workers must be positive and jobs.max_retries non-negative"))
	}
	if c.Orders.SubmissionMode != ModeSync && c.Orders.SubmissionMode != ModeAsync {
		errs = append(errs, fmt.Errorf("orders.submission_mode %q is not supported", c.Orders.SubmissionMode))
	}
	for id, b := range c.Brokers {
		if !b.HasOAuth2() && b.Session == nil && b.Paper == nil {
			errs = append(errs, fmt.Errorf("broker %s defines no credential strategy", id))
		}
		if b.Session != nil && b.Session.GatewayURL == "" {
			errs = append(errs, fmt.Errorf("broker %s session.gateway_url is required", id))
		}
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
