package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Env                   string
	Port                  string
	LogLevel              string
	AllowedOrigin         string
	StoreDriver           string
	DatabaseURL           string
	MongoURI              string
	MongoDatabase         string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	ShopID                string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ReceiptTTLMinutes     int
	ScanDebounceMS        int
}

// Load reads configuration from the environment, with an optional .env file in
// the working directory underneath it.
func Load() Config {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("MONGO_DATABASE", "stockpos")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_SHOP_ID", "main-shop")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("RECEIPT_TTL_MINUTES", 60)
	v.SetDefault("SCAN_DEBOUNCE_MS", 2000)

	cfg := Config{
		Env:                   v.GetString("APP_ENV"),
		Port:                  v.GetString("PORT"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		StoreDriver:           strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		MongoURI:              v.GetString("MONGO_URI"),
		MongoDatabase:         v.GetString("MONGO_DATABASE"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		ShopID:                v.GetString("DEFAULT_SHOP_ID"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveOr(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		ReceiptTTLMinutes:     positiveOr(v.GetInt("RECEIPT_TTL_MINUTES"), 60),
		ScanDebounceMS:        positiveOr(v.GetInt("SCAN_DEBOUNCE_MS"), 2000),
	}

	if cfg.StoreDriver == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.StoreDriver = DriverPostgres
		case cfg.MongoURI != "":
			cfg.StoreDriver = DriverMongo
		default:
			cfg.StoreDriver = DriverMemory
		}
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) ReceiptTTL() time.Duration {
	return time.Duration(c.ReceiptTTLMinutes) * time.Minute
}

func (c Config) ScanDebounce() time.Duration {
	return time.Duration(c.ScanDebounceMS) * time.Millisecond
}

func positiveOr(v int, fallback int) int {
	if v < 1 {
		return fallback
	}
	return v
}
