package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Worker  WorkerConfig
	Storage StorageConfig
	Logging LoggingConfig
	Imports ImportsConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ShutdownTimeout time.Duration
}

type WorkerConfig struct {
	PoolSize        int
	PollInterval    time.Duration
	MaxRetries      int
	JanitorInterval time.Duration
}

type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string
	Path   string
}

type LoggingConfig struct {
	Level string
}

// KindLimits are the tunables for one record kind. They differ per kind
// because per-record cost differs (a customer row is cheaper to write than
// a warehouse receipt with aggregate updates).
type KindLimits struct {
	MaxRows           int
	MaxBytes          int64
	ChunkSize         int
	SyncThresholdRows int
	JobRetentionDays  int
	RowsPerSecond     int
}

type ImportsConfig struct {
	Kinds map[domain.Kind]KindLimits
}

// Limits returns the tunables for a kind, falling back to customers'
// defaults for an unknown kind so misconfiguration degrades safely.
func (c ImportsConfig) Limits(kind domain.Kind) KindLimits {
	if limits, ok := c.Kinds[kind]; ok {
		return limits
	}
	return c.Kinds[domain.KindCustomers]
}

var kindDefaults = map[domain.Kind]KindLimits{
	domain.KindCustomers: {
		MaxRows:           50000,
		MaxBytes:          10 << 20,
		ChunkSize:         500,
		SyncThresholdRows: 200,
		JobRetentionDays:  30,
		RowsPerSecond:     800,
	},
	domain.KindLineItems: {
		MaxRows:           100000,
		MaxBytes:          20 << 20,
		ChunkSize:         1000,
		SyncThresholdRows: 300,
		JobRetentionDays:  30,
		RowsPerSecond:     1200,
	},
	domain.KindReceipts: {
		MaxRows:           20000,
		MaxBytes:          5 << 20,
		ChunkSize:         250,
		SyncThresholdRows: 100,
		JobRetentionDays:  90,
		RowsPerSecond:     400,
	},
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using default values")
	}

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Worker: WorkerConfig{
			PoolSize:        getIntEnv("WORKER_POOL_SIZE", 2),
			PollInterval:    getDurationEnv("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			MaxRetries:      getIntEnv("MAX_RETRIES", 5),
			JanitorInterval: getDurationEnv("JANITOR_INTERVAL", time.Hour),
		},
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", "sqlite"),
			Path:   getEnv("STORAGE_PATH", "data/intake.db"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Imports: loadImports(),
	}
}

func loadImports() ImportsConfig {
	kinds := make(map[domain.Kind]KindLimits, len(kindDefaults))
	for kind, defaults := range kindDefaults {
		prefix := strings.ToUpper(string(kind)) + "_"
		kinds[kind] = KindLimits{
			MaxRows:           getIntEnv(prefix+"MAX_ROWS", defaults.MaxRows),
			MaxBytes:          getInt64Env(prefix+"MAX_BYTES", defaults.MaxBytes),
			ChunkSize:         getIntEnv(prefix+"CHUNK_SIZE", defaults.ChunkSize),
			SyncThresholdRows: getIntEnv(prefix+"SYNC_THRESHOLD_ROWS", defaults.SyncThresholdRows),
			JobRetentionDays:  getIntEnv(prefix+"JOB_RETENTION_DAYS", defaults.JobRetentionDays),
			RowsPerSecond:     getIntEnv(prefix+"ROWS_PER_SECOND", defaults.RowsPerSecond),
		}
	}
	return ImportsConfig{Kinds: kinds}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}

func getInt64Env(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		log.Printf("Invalid value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration for %s: %s, using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}
