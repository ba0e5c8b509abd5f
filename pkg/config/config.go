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

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	S2S          S2SConfig
	Blacklist    BlacklistConfig
	Auth         AuthConfig
	Notification NotificationConfig
	CORS         CORSConfig
	Log          LogConfig
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

// JWTConfig configures the access-token signer. Secret is base64-encoded
// and must decode to at least 32 bytes.
type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

// S2SConfig configures service-to-service HMAC authentication.
type S2SConfig struct {
	SharedSecret string
	ClockSkew    time.Duration
}

// BlacklistConfig tunes the in-memory access-token denylist. EntryTTL must
// exceed the access-token expiration so a revoked token cannot outlive its
// denylist entry.
type BlacklistConfig struct {
	EntryTTL   time.Duration
	MaxEntries int
}

// AuthConfig governs registration and password-reset flows.
type AuthConfig struct {
	AllowedSignupRoles []string
	ResetTokenTTL      time.Duration
	NodeID             int64
}

// NotificationConfig points at the platform notification channel.
type NotificationConfig struct {
	Queue       string
	FrontendURL string
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

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 15*time.Minute),
		Issuer:     v.GetString("JWT_ISSUER"),
	}

	cfg.S2S = S2SConfig{
		SharedSecret: v.GetString("S2S_SHARED_SECRET"),
		ClockSkew:    parseDuration(v.GetString("S2S_CLOCK_SKEW"), 60*time.Second),
	}

	cfg.Blacklist = BlacklistConfig{
		EntryTTL:   parseDuration(v.GetString("BLACKLIST_TTL"), 30*time.Minute),
		MaxEntries: v.GetInt("BLACKLIST_MAX_ENTRIES"),
	}
	if cfg.Blacklist.EntryTTL < 2*cfg.JWT.Expiration {
		cfg.Blacklist.EntryTTL = 2 * cfg.JWT.Expiration
	}

	cfg.Auth = AuthConfig{
		AllowedSignupRoles: splitAndTrim(v.GetString("ALLOWED_SIGNUP_ROLES")),
		ResetTokenTTL:      parseDuration(v.GetString("RESET_TOKEN_TTL"), 15*time.Minute),
		NodeID:             v.GetInt64("NODE_ID"),
	}

	cfg.Notification = NotificationConfig{
		Queue:       v.GetString("NOTIFICATION_QUEUE"),
		FrontendURL: v.GetString("FRONTEND_URL"),
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
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "identity_service")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	// base64("dev-secret-change-me-dev-secret-change-me")
	v.SetDefault("JWT_SECRET", "ZGV2LXNlY3JldC1jaGFuZ2UtbWUtZGV2LXNlY3JldC1jaGFuZ2UtbWU=")
	v.SetDefault("JWT_EXPIRATION", "15m")
	v.SetDefault("JWT_ISSUER", "identity-service")

	v.SetDefault("S2S_SHARED_SECRET", "dev-s2s-secret-change-me")
	v.SetDefault("S2S_CLOCK_SKEW", "60s")

	v.SetDefault("BLACKLIST_TTL", "30m")
	v.SetDefault("BLACKLIST_MAX_ENTRIES", 10000)

	v.SetDefault("ALLOWED_SIGNUP_ROLES", "USER,ORGANIZER")
	v.SetDefault("RESET_TOKEN_TTL", "15m")
	v.SetDefault("NODE_ID", 1)

	v.SetDefault("NOTIFICATION_QUEUE", "notifications:email")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")

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
