package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	EventChannel          string
	StoreID               string
	InvoicePrefix         string
	WalkInCustomerID      string
	AuthSecret            string
	AccessTokenTTLMinutes int
	LockTimeoutMillis     int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	lockTimeout, err := strconv.Atoi(getEnv("LOCK_TIMEOUT_MILLIS", "3000"))
	if err != nil || lockTimeout < 1 {
		lockTimeout = 3000
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		EventChannel:          getEnv("EVENT_CHANNEL", "retailops.ledger.events"),
		StoreID:               getEnv("DEFAULT_STORE_ID", "main-store"),
		InvoicePrefix:         getEnv("INVOICE_PREFIX", "FA"),
		WalkInCustomerID:      getEnv("WALK_IN_CUSTOMER_ID", "walk-in"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LockTimeoutMillis:     lockTimeout,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
