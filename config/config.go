package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	HTTPPort       int
	LogLevel       string
	AllocationTTL  time.Duration
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
}

func Load() *Config {
	return &Config{
		RedisAddr:      strings.TrimSpace(getEnv("BROKER_REDIS_ADDR", "redis:6379")),
		RedisPassword:  os.Getenv("BROKER_REDIS_PASSWORD"),
		RedisDB:        getEnvInt("BROKER_REDIS_DB", 0),
		HTTPPort:       getEnvInt("BROKER_HTTP_PORT", 8080),
		LogLevel:       strings.TrimSpace(getEnv("BROKER_LOG_LEVEL", "info")),
		AllocationTTL:  getEnvSeconds("BROKER_ALLOCATION_TTL_SECONDS", 60),
		ProbeTimeout:   getEnvSeconds("BROKER_PROBE_TIMEOUT_SECONDS", 5),
		RequestTimeout: getEnvSeconds("BROKER_REQUEST_TIMEOUT_SECONDS", 30),
	}
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"redisAddr":      c.RedisAddr,
		"redisDB":        c.RedisDB,
		"redisAuthSet":   c.RedisPassword != "",
		"httpPort":       c.HTTPPort,
		"logLevel":       c.LogLevel,
		"allocationTTL":  c.AllocationTTL.String(),
		"probeTimeout":   c.ProbeTimeout.String(),
		"requestTimeout": c.RequestTimeout.String(),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		fmt.Printf("invalid int for %s: %s\n", key, v)
	}
	return def
}

func getEnvSeconds(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Second
}
