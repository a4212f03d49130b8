package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// QueryRetrieveRoot selects the information model used against a node.
type QueryRetrieveRoot string

const (
	RootStudy   QueryRetrieveRoot = "STUDY"
	RootPatient QueryRetrieveRoot = "PATIENT"
)

// PACSNode describes one upstream PACS endpoint.
type PACSNode struct {
	Name               string            `json:"name"`
	AETitle            string            `json:"aeTitle"`
	Hostname           string            `json:"hostname"`
	Port               int               `json:"port"`
	ConnectTimeoutMs   int               `json:"connectTimeoutMs"`
	ResponseTimeoutMs  int               `json:"responseTimeoutMs"`
	AssociationTimeoutMs int             `json:"associationTimeoutMs"`
	QueryRetrieveRoot  QueryRetrieveRoot `json:"queryRetrieveRoot"`
	IsDefault          bool              `json:"isDefault"`
}

// ConnectTimeout returns the node's connect timeout as a duration.
func (n PACSNode) ConnectTimeout() time.Duration {
	if n.ConnectTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n.ConnectTimeoutMs) * time.Millisecond
}

// ResponseTimeout returns the node's response timeout as a duration.
func (n PACSNode) ResponseTimeout() time.Duration {
	if n.ResponseTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(n.ResponseTimeoutMs) * time.Millisecond
}

// Config is the full runtime configuration.
type Config struct {
	Server struct {
		Host         string
		Port         int
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
	}

	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
		LogLevel string
	}

	Redis struct {
		Enabled  bool
		Host     string
		Port     int
		Password string
		DB       int
	}

	Local struct {
		AETitle        string
		BindAddress    string
		PublicHostname string
		Port           int
	}

	Nodes []PACSNode

	Cache struct {
		Path          string
		RetentionDays int
		MaxSizeGB     float64
		CleanupCron   string
		SizeSweepCron string
		// QuerySweep is how often the in-memory query cache reaps
		// expired entries; it has no effect when redis is enabled.
		QuerySweep time.Duration
	}

	Retrieve struct {
		PreferCGet      bool
		FallbackToCMove bool
		Deadline        time.Duration
	}

	CORS struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
	}

	Log struct {
		Level  string
		Format string
	}

	Metrics struct {
		Enabled bool
	}
}

// Load reads configuration from the environment, with .env as a
// fallback for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Server.Host = getEnv("SERVER_HOST", "0.0.0.0")
	cfg.Server.Port = getEnvInt("SERVER_PORT", 8080)
	cfg.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second)
	cfg.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", 120*time.Second)

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "dicom")
	cfg.Database.Password = getEnv("DB_PASSWORD", "")
	cfg.Database.DBName = getEnv("DB_NAME", "dicom_gateway")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.LogLevel = getEnv("DB_LOG_LEVEL", "warn")

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", false)
	cfg.Redis.Host = getEnv("REDIS_HOST", "localhost")
	cfg.Redis.Port = getEnvInt("REDIS_PORT", 6379)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Local.AETitle = getEnv("DICOM_LOCAL_AE_TITLE", "GATEWAY")
	cfg.Local.BindAddress = getEnv("DICOM_LOCAL_BIND_ADDRESS", "0.0.0.0")
	cfg.Local.PublicHostname = getEnv("DICOM_LOCAL_PUBLIC_HOSTNAME", "")
	cfg.Local.Port = getEnvInt("DICOM_LOCAL_PORT", 11112)

	if raw := os.Getenv("PACS_NODES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Nodes); err != nil {
			return nil, fmt.Errorf("parsing PACS_NODES: %w", err)
		}
	}

	cfg.Cache.Path = getEnv("DICOM_CACHE_PATH", "/var/lib/dicom-gateway/cache")
	cfg.Cache.RetentionDays = getEnvInt("DICOM_CACHE_RETENTION_DAYS", 30)
	cfg.Cache.MaxSizeGB = getEnvFloat("DICOM_CACHE_MAX_SIZE_GB", 100)
	cfg.Cache.CleanupCron = getEnv("DICOM_CACHE_CLEANUP_CRON", "0 2 * * *")
	cfg.Cache.SizeSweepCron = getEnv("DICOM_CACHE_SIZE_SWEEP_CRON", "0 * * * *")
	cfg.Cache.QuerySweep = getEnvDuration("DICOM_QUERY_CACHE_SWEEP", time.Minute)

	cfg.Retrieve.PreferCGet = getEnvBool("DICOM_RETRIEVE_PREFER_CGET", true)
	cfg.Retrieve.FallbackToCMove = getEnvBool("DICOM_RETRIEVE_FALLBACK_TO_CMOVE", true)
	cfg.Retrieve.Deadline = getEnvDuration("DICOM_RETRIEVE_DEADLINE", 5*time.Minute)

	cfg.CORS.AllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"})
	cfg.CORS.AllowedMethods = getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"})
	cfg.CORS.AllowedHeaders = getEnvList("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type"})

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", true)

	return cfg, nil
}

// Validate checks configuration consistency before startup.
func (c *Config) Validate() error {
	if c.Local.AETitle == "" || len(c.Local.AETitle) > 16 {
		return fmt.Errorf("DICOM_LOCAL_AE_TITLE must be 1-16 characters, got %q", c.Local.AETitle)
	}
	if c.Local.Port <= 0 || c.Local.Port > 65535 {
		return fmt.Errorf("DICOM_LOCAL_PORT out of range: %d", c.Local.Port)
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("DICOM_CACHE_PATH is required")
	}
	if c.Cache.MaxSizeGB <= 0 {
		return fmt.Errorf("DICOM_CACHE_MAX_SIZE_GB must be positive")
	}

	defaults := 0
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("PACS_NODES[%d]: name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("PACS_NODES: duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
		if n.AETitle == "" || len(n.AETitle) > 16 {
			return fmt.Errorf("PACS_NODES[%s]: aeTitle must be 1-16 characters", n.Name)
		}
		if n.Hostname == "" {
			return fmt.Errorf("PACS_NODES[%s]: hostname is required", n.Name)
		}
		if n.Port <= 0 || n.Port > 65535 {
			return fmt.Errorf("PACS_NODES[%s]: port out of range: %d", n.Name, n.Port)
		}
		if n.QueryRetrieveRoot != "" && n.QueryRetrieveRoot != RootStudy && n.QueryRetrieveRoot != RootPatient {
			return fmt.Errorf("PACS_NODES[%s]: queryRetrieveRoot must be STUDY or PATIENT", n.Name)
		}
		if n.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("PACS_NODES: at most one node may set isDefault")
	}
	return nil
}

// DefaultNode returns the node marked default, or the first node.
func (c *Config) DefaultNode() (PACSNode, bool) {
	for _, n := range c.Nodes {
		if n.IsDefault {
			return n, true
		}
	}
	if len(c.Nodes) > 0 {
		return c.Nodes[0], true
	}
	return PACSNode{}, false
}

// Node looks up a node by name.
func (c *Config) Node(name string) (PACSNode, bool) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return PACSNode{}, false
}

// MaxCacheBytes converts the configured size cap to bytes.
func (c *Config) MaxCacheBytes() int64 {
	return int64(c.Cache.MaxSizeGB * 1024 * 1024 * 1024)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
