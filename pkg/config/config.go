package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Admission policy applied when the counter store is unreachable.
const (
	RateLimitFailOpen   = "fail-open"
	RateLimitFailClosed = "fail-closed"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Services  ServicesConfig
	RateLimit RateLimitConfig
	Proxy     ProxyConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Token     TokenConfig
	CORS      CORSConfig
	Log       LogConfig
}

// ServicesConfig maps each domain service to its base URL.
type ServicesConfig struct {
	Auth         string
	User         string
	Project      string
	Timesheet    string
	Allocation   string
	Contract     string
	Financial    string
	Notification string
	Export       string
	Audit        string
}

// RateLimitConfig tunes the gateway admission windows.
type RateLimitConfig struct {
	Window      time.Duration
	Max         int
	LoginWindow time.Duration
	LoginMax    int
	Policy      string
}

// ProxyConfig bounds outbound calls to backend services.
type ProxyConfig struct {
	Timeout time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// TokenConfig governs credential lifetimes and signing.
type TokenConfig struct {
	Secret        string
	Issuer        string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	ResetExpiry   time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Services = ServicesConfig{
		Auth:         v.GetString("AUTH_SERVICE_URL"),
		User:         v.GetString("USER_SERVICE_URL"),
		Project:      v.GetString("PROJECT_SERVICE_URL"),
		Timesheet:    v.GetString("TIMESHEET_SERVICE_URL"),
		Allocation:   v.GetString("ALLOCATION_SERVICE_URL"),
		Contract:     v.GetString("CONTRACT_SERVICE_URL"),
		Financial:    v.GetString("FINANCIAL_SERVICE_URL"),
		Notification: v.GetString("NOTIFICATION_SERVICE_URL"),
		Export:       v.GetString("EXPORT_SERVICE_URL"),
		Audit:        v.GetString("AUDIT_SERVICE_URL"),
	}

	cfg.RateLimit = RateLimitConfig{
		Window:      parseDuration(v.GetString("RATE_LIMIT_WINDOW"), time.Minute),
		Max:         v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		LoginWindow: parseDuration(v.GetString("LOGIN_RATE_LIMIT_WINDOW"), time.Minute),
		LoginMax:    v.GetInt("LOGIN_RATE_LIMIT_MAX_ATTEMPTS"),
		Policy:      v.GetString("RATE_LIMIT_POLICY"),
	}
	if cfg.RateLimit.Policy != RateLimitFailClosed {
		cfg.RateLimit.Policy = RateLimitFailOpen
	}

	cfg.Proxy = ProxyConfig{
		Timeout: parseDuration(v.GetString("PROXY_TIMEOUT"), 10*time.Second),
	}

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Token = TokenConfig{
		Secret:        v.GetString("JWT_SECRET"),
		Issuer:        v.GetString("JWT_ISSUER"),
		AccessExpiry:  parseDuration(v.GetString("ACCESS_TOKEN_EXPIRATION"), time.Hour),
		RefreshExpiry: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
		ResetExpiry:   parseDuration(v.GetString("RESET_TOKEN_EXPIRATION"), time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 3000)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("AUTH_SERVICE_URL", "http://localhost:3001")
	v.SetDefault("USER_SERVICE_URL", "http://localhost:3002")
	v.SetDefault("PROJECT_SERVICE_URL", "http://localhost:3003")
	v.SetDefault("TIMESHEET_SERVICE_URL", "http://localhost:3004")
	v.SetDefault("ALLOCATION_SERVICE_URL", "http://localhost:3005")
	v.SetDefault("CONTRACT_SERVICE_URL", "http://localhost:3006")
	v.SetDefault("FINANCIAL_SERVICE_URL", "http://localhost:3007")
	v.SetDefault("NOTIFICATION_SERVICE_URL", "http://localhost:3008")
	v.SetDefault("EXPORT_SERVICE_URL", "http://localhost:3009")
	v.SetDefault("AUDIT_SERVICE_URL", "http://localhost:3010")

	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 100)
	v.SetDefault("LOGIN_RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("LOGIN_RATE_LIMIT_MAX_ATTEMPTS", 5)
	v.SetDefault("RATE_LIMIT_POLICY", RateLimitFailOpen)

	v.SetDefault("PROXY_TIMEOUT", "10s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "workplane_auth")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "workplane")
	v.SetDefault("ACCESS_TOKEN_EXPIRATION", "1h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")
	v.SetDefault("RESET_TOKEN_EXPIRATION", "1h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
