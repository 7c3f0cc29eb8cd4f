// Package config loads service configuration from the environment. A .env
// file in the working directory is read first when present; real environment
// variables win over it.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"piivault/internal/platform/postgres"
	pstrings "piivault/pkg/platform/strings"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

var (
	ErrParsingConfig   = errors.New("failed to parse environment variables into config")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnknownEnv      = errors.New("unknown APP_ENV")
	ErrMTLSIncomplete  = errors.New("MTLS_ENABLED requires TLS_CERT_FILE, TLS_KEY_FILE and MTLS_CLIENT_CA_FILE")
	ErrAdminTokenShort = errors.New("ADMIN_TOKEN must be at least 32 characters in production")
)

// Server is the complete service configuration.
type Server struct {
	Environment     string        `env:"APP_ENV" envDefault:"development"`
	Addr            string        `env:"PII_VAULT_ADDR" envDefault:":8080"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"`
	AdminToken      string        `env:"ADMIN_TOKEN"`

	Crypto   CryptoConfig
	Token    TokenConfig
	MTLS     MTLSConfig
	Database postgres.Config `envPrefix:"DATABASE_"`
	// AuditDatabase defaults to Database when AUDIT_DATABASE_URL is unset.
	AuditDatabase postgres.Config `envPrefix:"AUDIT_DATABASE_"`
	Redis         RedisConfig     `envPrefix:"REDIS_"`
	Kafka         KafkaConfig
}

// CryptoConfig covers the master key and tenant key handling.
type CryptoConfig struct {
	MasterKey         string        `env:"PII_MASTER_KEY"`
	DEKCacheTTL       time.Duration `env:"DEK_CACHE_TTL" envDefault:"5m"`
	DEKCacheSize      int           `env:"DEK_CACHE_SIZE" envDefault:"10000"`
	RotationBatchSize int           `env:"ROTATION_BATCH_SIZE" envDefault:"100"`
	RotationLockTTL   time.Duration `env:"ROTATION_LOCK_TTL" envDefault:"15m"`
}

// TokenConfig covers capability token signing.
type TokenConfig struct {
	SigningSecret string        `env:"TOKEN_SIGNING_SECRET"`
	UserTTL       time.Duration `env:"TOKEN_USER_TTL" envDefault:"300s"`
	ServiceTTL    time.Duration `env:"TOKEN_SERVICE_TTL" envDefault:"1800s"`
	// IssuerCallers may call the internal issuance endpoints under mTLS.
	IssuerCallers []string `env:"TOKEN_ISSUER_CALLERS" envDefault:"api-backend,report-worker" envSeparator:","`
}

// MTLSConfig covers the transport trust gate.
type MTLSConfig struct {
	Enabled        bool     `env:"MTLS_ENABLED" envDefault:"false"`
	AllowedCallers []string `env:"MTLS_ALLOWED_CALLERS" envDefault:"api-backend,report-worker" envSeparator:","`
	AdminCallers   []string `env:"MTLS_ADMIN_CALLERS" envSeparator:","`
	ClientCAFile   string   `env:"MTLS_CLIENT_CA_FILE"`
	CertFile       string   `env:"TLS_CERT_FILE"`
	KeyFile        string   `env:"TLS_KEY_FILE"`
}

// RedisConfig configures the optional Redis client backing the rotation lock.
type RedisConfig struct {
	URL           string        `env:"URL"`
	PoolSize      int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns  int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout   time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout   time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout  time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"1s"`
}

// KafkaConfig configures the optional audit stream.
type KafkaConfig struct {
	Brokers           []string      `env:"KAFKA_BROKERS" envSeparator:","`
	AuditTopic        string        `env:"KAFKA_AUDIT_TOPIC" envDefault:"pii-audit"`
	Partitions        int32         `env:"KAFKA_AUDIT_PARTITIONS" envDefault:"3"`
	ReplicationFactor int16         `env:"KAFKA_AUDIT_REPLICATION" envDefault:"1"`
	ProduceTimeout    time.Duration `env:"KAFKA_PRODUCE_TIMEOUT" envDefault:"2s"`
}

// FromEnv loads .env (if any) and parses the environment.
func FromEnv() (Server, error) {
	_ = godotenv.Load()
	return Parse(env.Options{})
}

// Parse parses configuration with the given options and validates it. Tests
// pass Environment to avoid touching the process environment.
func Parse(opts env.Options) (Server, error) {
	var cfg Server
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Server{}, errors.Join(ErrParsingConfig, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c *Server) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	if c.AuditDatabase.URL == "" {
		c.AuditDatabase = c.Database
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
		if c.IsProduction() {
			c.LogFormat = "json"
		}
	}
	c.Token.IssuerCallers = pstrings.DedupeAndTrim(c.Token.IssuerCallers)
	c.MTLS.AllowedCallers = pstrings.DedupeAndTrim(c.MTLS.AllowedCallers)
	c.MTLS.AdminCallers = pstrings.DedupeAndTrim(c.MTLS.AdminCallers)
	c.Kafka.Brokers = pstrings.DedupeAndTrim(c.Kafka.Brokers)
}

// Validate enforces the production guards that can be checked without
// touching key material. Master key and signing secret strength are checked
// where they are decoded.
func (c *Server) Validate() error {
	if !slices.Contains([]string{EnvProduction, EnvDevelopment, EnvTest}, c.Environment) {
		return fmt.Errorf("%w: %q", ErrUnknownEnv, c.Environment)
	}
	if c.MTLS.Enabled && (c.MTLS.CertFile == "" || c.MTLS.KeyFile == "" || c.MTLS.ClientCAFile == "") {
		return ErrMTLSIncomplete
	}
	if c.IsProduction() {
		if c.Crypto.MasterKey == "" {
			return fmt.Errorf("%w: PII_MASTER_KEY is required in production", ErrInvalidConfig)
		}
		if c.Database.URL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required in production", ErrInvalidConfig)
		}
		if c.AdminToken != "" && len(c.AdminToken) < 32 {
			return ErrAdminTokenShort
		}
	}
	if c.Crypto.RotationBatchSize <= 0 {
		return fmt.Errorf("%w: ROTATION_BATCH_SIZE must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsProduction reports whether production guards apply.
func (c *Server) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Persistent reports whether profiles, keys and audit entries live in
// Postgres rather than in memory.
func (c *Server) Persistent() bool {
	return c.Database.URL != ""
}
