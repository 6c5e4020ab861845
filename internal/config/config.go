package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Env           string

	AuthSecret            string
	AccessTokenTTLMinutes int

	// Canonical shipping policy. Earlier checkout variants disagreed on the
	// free-shipping rule, so it is a named knob here: a threshold of 0
	// disables free shipping entirely.
	ShippingFlatFeeCents       int64
	FreeShippingThresholdCents int64

	AvailabilityTTLSeconds int
	LowStockThreshold      int
}

func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	availTTL, err := strconv.Atoi(getEnv("AVAILABILITY_TTL_SECONDS", "15"))
	if err != nil || availTTL < 1 {
		availTTL = 15
	}
	lowStock, err := strconv.Atoi(getEnv("LOW_STOCK_THRESHOLD", "3"))
	if err != nil || lowStock < 1 {
		lowStock = 3
	}

	cfg := Config{
		Port:                       getEnv("PORT", "8080"),
		AllowedOrigin:              getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPassword:              os.Getenv("REDIS_PASSWORD"),
		RedisDB:                    redisDB,
		Env:                        getEnv("ENV", "development"),
		AuthSecret:                 strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:      tokenTTL,
		ShippingFlatFeeCents:       getEnvInt64("SHIPPING_FLAT_FEE_CENTS", 50000),
		FreeShippingThresholdCents: getEnvInt64("FREE_SHIPPING_THRESHOLD_CENTS", 0),
		AvailabilityTTLSeconds:     availTTL,
		LowStockThreshold:          lowStock,
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

func getEnvInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return fallback
	}
	return val
}
