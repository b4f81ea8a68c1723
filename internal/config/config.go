package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Verifier VerifierConfig `yaml:"verifier"`
	LLM      LLMConfig      `yaml:"llm"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PipelineConfig holds the repair-loop feature flags and bounds
type PipelineConfig struct {
	StrictPriority      bool `yaml:"strict_priority"`
	AllowUnschedulable  bool `yaml:"allow_unschedulable"`
	UseSharedScheduler  bool `yaml:"use_shared_scheduler"`
	AutoDefault         bool `yaml:"auto_default"`
	MaxRepairIterations int  `yaml:"max_repair_iterations"`
}

// VerifierConfig locates the external model checker
type VerifierConfig struct {
	BinaryPath string   `yaml:"binary_path"`
	Timeout    Duration `yaml:"timeout"`
}

// LLMConfig holds the optional property-synthesis collaborator
type LLMConfig struct {
	Enabled bool     `yaml:"enabled"`
	BaseURL string   `yaml:"base_url"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Listen      string          `yaml:"listen"`
	TLSEnabled  bool            `yaml:"tls_enabled"`
	CertFile    string          `yaml:"cert_file"`
	KeyFile     string          `yaml:"key_file"`
	MaxBodySize int64           `yaml:"max_body_size"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Cors        CorsConfig      `yaml:"cors"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled     bool     `yaml:"enabled"`
	RequestsPer int      `yaml:"requests_per"`
	Duration    Duration `yaml:"duration"`
	BurstSize   int      `yaml:"burst_size"`
}

// CorsConfig holds CORS configuration
type CorsConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled     bool         `yaml:"enabled"`
	SecretKey   string       `yaml:"secret_key"`
	Issuer      string       `yaml:"issuer"`
	TokenExpiry Duration     `yaml:"token_expiry"`
	Users       []UserConfig `yaml:"users"`
}

// UserConfig is one configured API user with a bcrypt password hash
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// DatabaseConfig holds the run store and cache configuration
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`

	RedisEnabled  bool     `yaml:"redis_enabled"`
	RedisHost     string   `yaml:"redis_host"`
	RedisPort     int      `yaml:"redis_port"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	CacheTTL      Duration `yaml:"cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			StrictPriority:      getEnvBoolOrDefault("RTVERIFY_STRICT_PRIORITY", false),
			AllowUnschedulable:  getEnvBoolOrDefault("RTVERIFY_ALLOW_UNSCHEDULABLE", false),
			UseSharedScheduler:  getEnvBoolOrDefault("RTVERIFY_USE_SHARED_SCHEDULER", false),
			AutoDefault:         getEnvBoolOrDefault("RTVERIFY_AUTO_DEFAULT", false),
			MaxRepairIterations: getEnvIntOrDefault("RTVERIFY_MAX_REPAIR_ITERATIONS", 10),
		},
		Verifier: VerifierConfig{
			BinaryPath: getEnvOrDefault("RTVERIFY_VERIFYTA_PATH", "/usr/local/bin/verifyta"),
			Timeout:    Duration(120 * time.Second),
		},
		LLM: LLMConfig{
			Enabled: getEnvBoolOrDefault("RTVERIFY_LLM_ENABLED", false),
			BaseURL: getEnvOrDefault("RTVERIFY_LLM_URL", "http://localhost:11434"),
			Model:   getEnvOrDefault("RTVERIFY_LLM_MODEL", "llama3.1:latest"),
			Timeout: Duration(30 * time.Second),
		},
		API: APIConfig{
			Listen:      getEnvOrDefault("RTVERIFY_API_LISTEN", "0.0.0.0:8080"),
			TLSEnabled:  getEnvBoolOrDefault("RTVERIFY_API_TLS_ENABLED", false),
			CertFile:    getEnvOrDefault("RTVERIFY_API_CERT_FILE", ""),
			KeyFile:     getEnvOrDefault("RTVERIFY_API_KEY_FILE", ""),
			MaxBodySize: int64(getEnvIntOrDefault("RTVERIFY_API_MAX_BODY_SIZE", 4*1024*1024)),
			RateLimit: RateLimitConfig{
				Enabled:     getEnvBoolOrDefault("RTVERIFY_RATE_LIMIT_ENABLED", true),
				RequestsPer: getEnvIntOrDefault("RTVERIFY_RATE_LIMIT_REQUESTS", 100),
				Duration:    Duration(time.Minute),
				BurstSize:   getEnvIntOrDefault("RTVERIFY_RATE_LIMIT_BURST", 10),
			},
			Cors: CorsConfig{
				Enabled:        getEnvBoolOrDefault("RTVERIFY_CORS_ENABLED", true),
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			},
		},
		Auth: AuthConfig{
			Enabled:     getEnvBoolOrDefault("RTVERIFY_AUTH_ENABLED", false),
			SecretKey:   getEnvOrDefault("RTVERIFY_AUTH_SECRET_KEY", ""),
			Issuer:      getEnvOrDefault("RTVERIFY_AUTH_ISSUER", "rtverify"),
			TokenExpiry: Duration(24 * time.Hour),
		},
		Database: DatabaseConfig{
			Enabled:         getEnvBoolOrDefault("RTVERIFY_DB_ENABLED", false),
			Host:            getEnvOrDefault("RTVERIFY_DB_HOST", "localhost"),
			Port:            getEnvIntOrDefault("RTVERIFY_DB_PORT", 5432),
			Name:            getEnvOrDefault("RTVERIFY_DB_NAME", "rtverify"),
			User:            getEnvOrDefault("RTVERIFY_DB_USER", "rtverify"),
			Password:        getEnvOrDefault("RTVERIFY_DB_PASSWORD", ""),
			SSLMode:         getEnvOrDefault("RTVERIFY_DB_SSL_MODE", "prefer"),
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
			RedisEnabled:    getEnvBoolOrDefault("RTVERIFY_REDIS_ENABLED", false),
			RedisHost:       getEnvOrDefault("RTVERIFY_REDIS_HOST", "localhost"),
			RedisPort:       getEnvIntOrDefault("RTVERIFY_REDIS_PORT", 6379),
			RedisPassword:   getEnvOrDefault("RTVERIFY_REDIS_PASSWORD", ""),
			RedisDB:         getEnvIntOrDefault("RTVERIFY_REDIS_DB", 0),
			CacheTTL:        Duration(time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("RTVERIFY_LOG_LEVEL", "info"),
			Format: getEnvOrDefault("RTVERIFY_LOG_FORMAT", "text"),
		},
	}
}

// LoadFromFile reads a YAML configuration file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Pipeline.MaxRepairIterations <= 0 {
		return fmt.Errorf("pipeline.max_repair_iterations must be positive")
	}
	if c.Verifier.Timeout <= 0 {
		return fmt.Errorf("verifier.timeout must be positive")
	}
	if c.Auth.Enabled && c.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key is required when auth is enabled")
	}
	if c.API.TLSEnabled && (c.API.CertFile == "" || c.API.KeyFile == "") {
		return fmt.Errorf("api.cert_file and api.key_file are required when TLS is enabled")
	}
	return nil
}

// Helper functions to get environment variables with defaults
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
