package surrealstore

import (
	"os"
	"time"

	"github.com/surrealdb/docsync/pkg/logger"
)

// Config holds the connection settings of a SurrealDB store.
type Config struct {
	Endpoint  string
	Namespace string
	Database  string
	Username  string
	Password  string
	// Timeout bounds each RPC request.
	Timeout time.Duration
	Logger  logger.Logger
}

// NewConfigFromEnv reads SURREALDB_URL, SURREALDB_NS, SURREALDB_DB,
// SURREALDB_USER, SURREALDB_PASS and SURREALDB_TIMEOUT.
func NewConfigFromEnv() *Config {
	timeout, err := time.ParseDuration(GetEnvOrDefault("SURREALDB_TIMEOUT", "30s"))
	if err != nil {
		timeout = 30 * time.Second
	}
	return &Config{
		Endpoint:  GetEnvOrDefault("SURREALDB_URL", "ws://localhost:8000/rpc"),
		Namespace: GetEnvOrDefault("SURREALDB_NS", "docsync"),
		Database:  GetEnvOrDefault("SURREALDB_DB", "docsync"),
		Username:  GetEnvOrDefault("SURREALDB_USER", "root"),
		Password:  GetEnvOrDefault("SURREALDB_PASS", "root"),
		Timeout:   timeout,
		Logger:    logger.Nop(),
	}
}

// GetEnvOrDefault returns the environment variable key, or defaultValue when
// it is unset or empty.
func GetEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}
