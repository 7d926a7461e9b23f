package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultSQLiteDSN = "file:pharmabill.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

type Config struct {
	Port                  string
	AllowedOrigin         string
	DBDriver              string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	BootstrapAdminUser    string
	BootstrapAdminPass    string
	AccessTokenTTLMinutes int
	BillPrefix            string
	AutoOpenFiscalYear    bool
	ExpiryWindowDays      int
	DefaultReorderLevel   int
	BlockExpiredSales     bool
	TxMaxAttempts         int
	TxRetryBackoffMS      int
	AlertCacheTTLSeconds  int
	PhoneRegion           string
	LogLevel              string
	LogFormat             string
}

func Load() Config {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("BOOTSTRAP_ADMIN_USERNAME", "admin")
	v.SetDefault("BOOTSTRAP_ADMIN_PASSWORD", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("BILL_PREFIX", "INV")
	v.SetDefault("AUTO_OPEN_FISCAL_YEAR", true)
	v.SetDefault("EXPIRY_WINDOW_DAYS", 30)
	v.SetDefault("DEFAULT_REORDER_LEVEL", 10)
	v.SetDefault("BLOCK_EXPIRED_SALES", true)
	v.SetDefault("TX_MAX_ATTEMPTS", 3)
	v.SetDefault("TX_RETRY_BACKOFF_MS", 50)
	v.SetDefault("ALERT_CACHE_TTL_SECONDS", 60)
	v.SetDefault("PHONE_REGION", "IN")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	cfg := Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DBDriver:              strings.ToLower(strings.TrimSpace(v.GetString("DB_DRIVER"))),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		BootstrapAdminUser:    strings.ToLower(strings.TrimSpace(v.GetString("BOOTSTRAP_ADMIN_USERNAME"))),
		BootstrapAdminPass:    v.GetString("BOOTSTRAP_ADMIN_PASSWORD"),
		AccessTokenTTLMinutes: atLeast(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 1, 480),
		BillPrefix:            strings.ToUpper(strings.TrimSpace(v.GetString("BILL_PREFIX"))),
		AutoOpenFiscalYear:    v.GetBool("AUTO_OPEN_FISCAL_YEAR"),
		ExpiryWindowDays:      atLeast(v.GetInt("EXPIRY_WINDOW_DAYS"), 1, 30),
		DefaultReorderLevel:   atLeast(v.GetInt("DEFAULT_REORDER_LEVEL"), 0, 10),
		BlockExpiredSales:     v.GetBool("BLOCK_EXPIRED_SALES"),
		TxMaxAttempts:         atLeast(v.GetInt("TX_MAX_ATTEMPTS"), 1, 3),
		TxRetryBackoffMS:      atLeast(v.GetInt("TX_RETRY_BACKOFF_MS"), 0, 50),
		AlertCacheTTLSeconds:  atLeast(v.GetInt("ALERT_CACHE_TTL_SECONDS"), 1, 60),
		PhoneRegion:           strings.ToUpper(strings.TrimSpace(v.GetString("PHONE_REGION"))),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFormat:             v.GetString("LOG_FORMAT"),
	}

	if cfg.BillPrefix == "" {
		cfg.BillPrefix = "INV"
	}
	if cfg.PhoneRegion == "" {
		cfg.PhoneRegion = "IN"
	}
	if cfg.BootstrapAdminUser == "" {
		cfg.BootstrapAdminUser = "admin"
	}
	switch cfg.DBDriver {
	case "postgres", "memory":
	default:
		cfg.DBDriver = "sqlite"
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = defaultSQLiteDSN
		}
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func atLeast(val int, min int, fallback int) int {
	if val < min {
		return fallback
	}
	return val
}
