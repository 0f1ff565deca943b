// Package config loads nm-server's and nm-agent's runtime configuration.
package config

import (
	"os"
	"strconv"
)

// AppConfig holds nm-server's configuration, plus the service identity
// fields shared with nm-agent's observability setup.
type AppConfig struct {
	ListenAddr string

	DatabaseURL      string
	DBMaxConnections int

	JWTSecret      string
	JWTExpiryHours int

	MetricsPort string

	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string

	ReleaseBinaryPath   string
	VersionManifestPath string
	UpdateDir           string

	StatsAggregationIntervalSecs int
}

// Load reads nm-server's configuration from the environment, falling back
// to development defaults for anything unset.
func Load() *AppConfig {
	return &AppConfig{
		ListenAddr: getEnv("NM_LISTEN_ADDR", ":8443"),

		DatabaseURL:      getEnv("DATABASE_URL", "postgres://localhost:5432/networkmaster?sslmode=disable"),
		DBMaxConnections: getEnvAsInt("NM_DB_MAX_CONNECTIONS", 25),

		JWTSecret:      getEnv("NM_JWT_SECRET", "dev-secret-change-me"),
		JWTExpiryHours: getEnvAsInt("NM_JWT_EXPIRY_HOURS", 24),

		MetricsPort: getEnv("NM_METRICS_PORT", "9090"),

		ServiceName:    getEnv("SERVICE_NAME", "nm-server"),
		ServiceVersion: getEnv("SERVICE_VERSION", "0.1.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("NM_LOG_LEVEL", "INFO"),

		ReleaseBinaryPath:   getEnv("NM_RELEASE_BINARY_PATH", "./releases/nm-agent"),
		VersionManifestPath: getEnv("NM_VERSION_MANIFEST_PATH", "./releases/VERSION"),
		UpdateDir:           getEnv("NM_UPDATE_DIR", "./updates"),

		StatsAggregationIntervalSecs: getEnvAsInt("NM_STATS_AGGREGATION_INTERVAL_SECS", 300),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
