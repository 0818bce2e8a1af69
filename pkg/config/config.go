package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server struct {
		Port    string
		Env     string
		Timeout time.Duration
	}

	Database struct {
		// Driver is "postgres" or "sqlite"
		Driver     string
		Host       string
		Port       string
		User       string
		Password   string
		Name       string
		SSLMode    string
		SQLitePath string
		MaxConns   int
		Retries    int
		RetryDelay time.Duration
	}

	// LLM describes the upstream model endpoint
	LLM struct {
		// Provider is "datastream" or "gemini"
		Provider string
		BaseURL  string
		Model    string
		Timeout  time.Duration
		// APIKeySecret is the secret name the credential is read from
		APIKeySecret string
	}

	Relay struct {
		DefaultSpeed  string
		MaxImageBytes int64
		TitleLength   int
	}

	Security struct {
		RateLimit      float64
		RateLimitBurst int
		AllowedOrigins []string
		MaxBodySize    int64
	}

	Logging struct {
		Level  string
		Format string
	}

	// Cache configures the GET request coalescing cache
	Cache struct {
		Enabled     bool
		TTL         time.Duration
		MaxSize     int
		PurgeWindow time.Duration
	}

	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
		UserTTL  time.Duration
	}

	Vault struct {
		Enabled     bool
		Address     string
		Token       string
		Namespace   string
		SecretsPath string
	}

	Health struct {
		Interval time.Duration
	}

	Observability struct {
		ServiceName    string
		TracingEnabled bool
	}

	GRPC struct {
		Port string
	}

	OpenAPISchemaPath string
}

var (
	instance *Config
	once     sync.Once
)

// New returns the process-wide Config, loading it on first use
func New() *Config {
	once.Do(func() {
		// .env is optional
		_ = godotenv.Load()
		instance = Load()
	})
	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	return New()
}

// Load reads a fresh Config from the environment
func Load() *Config {
	cfg := &Config{}

	cfg.Server.Port = getEnvString("PORT", "8081")
	cfg.Server.Env = getEnvString("APP_ENV", "development")
	cfg.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)

	cfg.Database.Driver = getEnvString("DB_DRIVER", "postgres")
	cfg.Database.Host = getEnvString("DB_HOST", "localhost")
	cfg.Database.Port = getEnvString("DB_PORT", "5432")
	cfg.Database.User = getEnvString("DB_USER", "postgres")
	cfg.Database.Password = getEnvString("DB_PASSWORD", "postgres")
	cfg.Database.Name = getEnvString("DB_NAME", "topic_chat")
	cfg.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
	cfg.Database.SQLitePath = getEnvString("DB_SQLITE_PATH", "topic-chat.db")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.Retries = getEnvInt("DB_RETRIES", 5)
	cfg.Database.RetryDelay = getEnvDuration("DB_RETRY_DELAY", 5*time.Second)

	cfg.LLM.Provider = getEnvString("LLM_PROVIDER", "datastream")
	cfg.LLM.BaseURL = getEnvString("LLM_BASE_URL", "http://localhost:8000/v1/chat")
	cfg.LLM.Model = getEnvString("LLM_MODEL", "gemini-2.0-flash")
	cfg.LLM.Timeout = getEnvDuration("LLM_TIMEOUT", 0)
	cfg.LLM.APIKeySecret = getEnvString("LLM_API_KEY_SECRET", "llm_api_key")

	cfg.Relay.DefaultSpeed = getEnvString("RELAY_DEFAULT_SPEED", "normal")
	cfg.Relay.MaxImageBytes = getEnvInt64("RELAY_MAX_IMAGE_BYTES", 5<<20)
	cfg.Relay.TitleLength = getEnvInt("RELAY_TITLE_LENGTH", 50)

	cfg.Security.RateLimit = getEnvFloat("RATE_LIMIT", 5)
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 20)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
	cfg.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", 10<<20)

	cfg.Logging.Level = getEnvString("LOG_LEVEL", "info")
	cfg.Logging.Format = getEnvString("LOG_FORMAT", "json")

	cfg.Cache.Enabled = getEnvBool("CACHE_ENABLED", true)
	cfg.Cache.TTL = getEnvDuration("CACHE_TTL", 500*time.Millisecond)
	cfg.Cache.MaxSize = getEnvInt("CACHE_MAX_SIZE", 1000)
	cfg.Cache.PurgeWindow = getEnvDuration("CACHE_PURGE_WINDOW", time.Minute)

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", false)
	cfg.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.UserTTL = getEnvDuration("REDIS_USER_TTL", 10*time.Minute)

	cfg.Vault.Enabled = getEnvBool("VAULT_ENABLED", false)
	cfg.Vault.Address = getEnvString("VAULT_ADDR", "")
	cfg.Vault.Token = getEnvString("VAULT_TOKEN", "")
	cfg.Vault.Namespace = getEnvString("VAULT_NAMESPACE", "")
	cfg.Vault.SecretsPath = getEnvString("VAULT_SECRETS_PATH", "topic-chat")

	cfg.Health.Interval = getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second)

	cfg.Observability.ServiceName = getEnvString("SERVICE_NAME", "topic-chat")
	cfg.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", false)

	cfg.GRPC.Port = getEnvString("GRPC_PORT", "")

	cfg.OpenAPISchemaPath = getEnvString("OPENAPI_SCHEMA_PATH", "")

	return cfg
}

// IsProduction reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
