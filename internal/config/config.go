// Package config loads burrowd's environment configuration and the optional
// burrow.yaml connector manifest. The environment carries operational knobs;
// the manifest declares cloud connectors to ensure at startup so a fresh
// deployment comes up with its AWS accounts registered.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for optional environment values.
const (
	DefaultListenAddr        = ":8080"
	DefaultMaxRunnerLifetime = 180 // minutes
	DefaultIdlePoolMinutes   = 10
	DefaultRateLimit         = 100 // requests/min per IP
	DefaultDBMaxConns        = 16
	DefaultDBMinConns        = 2
)

// Config is burrowd's process configuration, read from the environment.
type Config struct {
	DatabaseURL string
	ListenAddr  string

	// EncryptionKey protects connector credentials and SSH private keys at
	// rest. At least 16 bytes; the first 16 are used.
	EncryptionKey string

	PushgatewayURL    string
	MaxRunnerLifetime int // minutes
	IdlePoolMinutes   int // 0 disables the idle pool sweep

	// WorkersEnabled gates the background workers (pool controller, expiry
	// reaper). API-only replicas set it false; the leader election still
	// ensures at most one replica runs them.
	WorkersEnabled bool

	RateLimit   int // requests/min per IP, 0 disables
	CORSOrigins []string

	TLSCertFile string
	TLSKeyFile  string

	DB DBConfig
}

// DBConfig holds pgxpool tuning knobs.
type DBConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// FromEnv reads and validates the environment. Missing required values and
// malformed optionals are reported together so an operator fixes one restart
// worth of problems, not one variable at a time.
func FromEnv() (*Config, error) {
	var problems []string

	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ListenAddr:     envString("BURROW_LISTEN_ADDR", DefaultListenAddr),
		EncryptionKey:  os.Getenv("ENCRYPTION_KEY"),
		PushgatewayURL: os.Getenv("PROMETHEUS_PUSHGATEWAY_URL"),
		TLSCertFile:    os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:     os.Getenv("TLS_KEY_FILE"),
	}
	if port := os.Getenv("PORT"); port != "" && os.Getenv("BURROW_LISTEN_ADDR") == "" {
		cfg.ListenAddr = ":" + port
	}

	if cfg.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if len(cfg.EncryptionKey) < 16 {
		problems = append(problems, "ENCRYPTION_KEY must be at least 16 bytes")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	cfg.MaxRunnerLifetime = envInt("MAX_RUNNER_LIFETIME", DefaultMaxRunnerLifetime, &problems)
	cfg.IdlePoolMinutes = envInt("IDLE_POOL_MINUTES", DefaultIdlePoolMinutes, &problems)
	cfg.RateLimit = envInt("RATE_LIMIT", DefaultRateLimit, &problems)
	cfg.WorkersEnabled = envBool("WORKERS_ENABLED", true, &problems)
	if cfg.MaxRunnerLifetime <= 0 {
		problems = append(problems, "MAX_RUNNER_LIFETIME must be positive")
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	cfg.DB = DBConfig{
		MaxConns:          int32(envInt("DB_MAX_CONNS", DefaultDBMaxConns, &problems)),
		MinConns:          int32(envInt("DB_MIN_CONNS", DefaultDBMinConns, &problems)),
		MaxConnLifetime:   envDuration("DB_MAX_CONN_LIFETIME", time.Hour, &problems),
		MaxConnIdleTime:   envDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute, &problems),
		HealthCheckPeriod: envDuration("DB_HEALTH_CHECK_PERIOD", time.Minute, &problems),
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return cfg, nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int, problems *[]string) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, name+" must be an integer, got "+strconv.Quote(v))
		return def
	}
	return n
}

func envBool(name string, def bool, problems *[]string) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*problems = append(*problems, name+" must be a boolean, got "+strconv.Quote(v))
		return def
	}
	return b
}

func envDuration(name string, def time.Duration, problems *[]string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*problems = append(*problems, name+" must be a duration like 30m, got "+strconv.Quote(v))
		return def
	}
	return d
}

// Manifest is the optional burrow.yaml: cloud connectors to ensure at
// startup. Credentials here are plaintext input; they are encrypted before
// storage and never written back.
type Manifest struct {
	Connectors []ConnectorDecl `yaml:"connectors"`
}

// ConnectorDecl declares one cloud connector.
type ConnectorDecl struct {
	Provider  string `yaml:"provider"`
	Region    string `yaml:"region"`
	Tag       string `yaml:"tag"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoadManifest parses a burrow.yaml file. An empty path yields an empty
// manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// ResolveManifestPath finds the manifest path.
// Priority: BURROW_CONFIG env var, then ./burrow.yaml, then none.
func ResolveManifestPath() string {
	if p := os.Getenv("BURROW_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("burrow.yaml"); err == nil {
		return "burrow.yaml"
	}
	return ""
}

func (m *Manifest) validate() error {
	for i, c := range m.Connectors {
		switch {
		case c.Provider == "":
			return fmt.Errorf("connector %d: provider is required", i)
		case c.Region == "":
			return fmt.Errorf("connector %d (%s): region is required", i, c.Provider)
		case c.AccessKey == "" || c.SecretKey == "":
			return fmt.Errorf("connector %d (%s/%s): access_key and secret_key are required", i, c.Provider, c.Region)
		}
	}
	return nil
}
