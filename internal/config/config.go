package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Storage backend selectors.
const (
	BackendMemory   = "memory"
	BackendMinio    = "minio"
	BackendPostgres = "postgres"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StorageBackend string `yaml:"storageBackend"`
	DatabaseURL    string `yaml:"databaseURL"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	AuthTokenSecret string `yaml:"authTokenSecret"`
	AuthIssuer      string `yaml:"authIssuer"`
	AuthAudience    string `yaml:"authAudience"`

	StatsTTLSeconds  int `yaml:"statsTtlSeconds"`
	StatsConcurrency int `yaml:"statsConcurrency"`

	ClaimRateLimitPerMinute int `yaml:"claimRateLimitPerMinute"`

	EventsStream string `yaml:"eventsStream"`
	EventsMaxLen int64  `yaml:"eventsMaxLen"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PAGESCRIBE_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = useSSL
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PAGESCRIBE_AUTH_TOKEN_SECRET"); v != "" {
		cfg.AuthTokenSecret = v
	}
	if v := os.Getenv("PAGESCRIBE_AUTH_ISSUER"); v != "" {
		cfg.AuthIssuer = v
	}
	if v := os.Getenv("PAGESCRIBE_AUTH_AUDIENCE"); v != "" {
		cfg.AuthAudience = v
	}
	if v := os.Getenv("PAGESCRIBE_STATS_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StatsTTLSeconds = n
		}
	}
	if v := os.Getenv("PAGESCRIBE_STATS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StatsConcurrency = n
		}
	}
	if v := os.Getenv("PAGESCRIBE_CLAIM_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ClaimRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("PAGESCRIBE_EVENTS_STREAM"); v != "" {
		cfg.EventsStream = v
	}
	if v := os.Getenv("PAGESCRIBE_EVENTS_MAXLEN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.EventsMaxLen = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case BackendMemory:
	case BackendMinio:
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio backend requires minioEndpoint, minioAccessKey, minioSecretKey and minioBucket")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: postgres backend requires databaseURL (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: storageBackend must be one of %s, %s, %s", BackendMemory, BackendMinio, BackendPostgres)
	}
	if strings.TrimSpace(cfg.AuthTokenSecret) == "" {
		return errors.New("config: authTokenSecret is required (set in config.yaml or PAGESCRIBE_AUTH_TOKEN_SECRET)")
	}
	if cfg.StatsTTLSeconds < 0 {
		return errors.New("config: statsTtlSeconds must be >= 0")
	}
	if cfg.StatsConcurrency < 0 {
		return errors.New("config: statsConcurrency must be >= 0")
	}
	if cfg.ClaimRateLimitPerMinute < 0 {
		return errors.New("config: claimRateLimitPerMinute must be >= 0")
	}
	if cfg.ClaimRateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: claim rate limiting requires redisAddr (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.EventsStream != "" && cfg.RedisAddr == "" {
		return errors.New("config: eventsStream requires redisAddr (set in config.yaml or REDIS_ADDR)")
	}
	return nil
}
