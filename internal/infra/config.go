package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// QueueConfig holds per-queue settings for the in-process async queues.
type QueueConfig struct {
	Concurrency int
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	Port           string
	StoreBackend   string
	DatabaseURL    string
	RedisURL       string
	StoragePath    string
	StorageBaseURL string

	QwenAPIKey  string
	QwenBaseURL string
	QwenModel   string

	ImageVariants    int
	ImageAspectRatio string

	GenWindowLimit   int
	GenWindow        time.Duration
	GenMinSpacing    time.Duration
	GenMaxWait       time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	JobMaxRetries    int
	LockTTL          time.Duration
	MaxJobsPerRun    int
	DriveInterval    time.Duration

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string

	Queues map[string]QueueConfig
}

// Names of the registry queues configured by default.
var DefaultQueueNames = []string{"image-generation", "export", "presentation"}

var defaultQueues = map[string]QueueConfig{
	"image-generation": {Concurrency: 1, Timeout: 2 * time.Minute, MaxRetries: 1, RetryDelay: 2 * time.Second},
	"export":           {Concurrency: 2, Timeout: 5 * time.Minute, MaxRetries: 2, RetryDelay: time.Second},
	"presentation":     {Concurrency: 4, Timeout: 30 * time.Second, MaxRetries: 3, RetryDelay: 500 * time.Millisecond},
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// Values from .env and .env.local are read first when those files exist.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           port,
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", StoreBackendPostgres)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: strings.TrimRight(getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"), "/"),

		QwenAPIKey:  os.Getenv("QWEN_API_KEY"),
		QwenBaseURL: getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		QwenModel:   getEnv("QWEN_MODEL", "qwen-image-plus"),

		ImageVariants:    getEnvInt("IMAGE_VARIANTS", 3),
		ImageAspectRatio: getEnv("IMAGE_ASPECT_RATIO", "16:9"),

		GenWindowLimit:   getEnvInt("GEN_WINDOW_LIMIT", 10),
		GenWindow:        getEnvMillis("GEN_WINDOW_MS", 60*time.Second),
		GenMinSpacing:    getEnvMillis("GEN_MIN_SPACING_MS", 2*time.Second),
		GenMaxWait:       getEnvMillis("GEN_MAX_WAIT_MS", 30*time.Second),
		BreakerThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerReset:     getEnvMillis("BREAKER_RESET_MS", 60*time.Second),
		JobMaxRetries:    getEnvInt("JOB_MAX_RETRIES", 3),
		LockTTL:          getEnvMillis("LOCK_TTL_MS", 30*time.Second),
		MaxJobsPerRun:    getEnvInt("MAX_JOBS_PER_RUN", 5),
		DriveInterval:    getEnvMillis("DRIVE_INTERVAL_MS", 10*time.Second),

		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	cfg.Queues = make(map[string]QueueConfig, len(defaultQueues))
	for _, name := range DefaultQueueNames {
		cfg.Queues[name] = loadQueueConfig(name, defaultQueues[name])
	}

	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreBackendMemory:
	default:
		return nil, fmt.Errorf("STORE_BACKEND %q is not supported", cfg.StoreBackend)
	}
	if cfg.ImageVariants <= 0 {
		return nil, fmt.Errorf("IMAGE_VARIANTS must be positive")
	}
	if cfg.GenWindowLimit < 1 {
		return nil, fmt.Errorf("GEN_WINDOW_LIMIT must be at least 1")
	}
	if cfg.JobMaxRetries < 1 {
		return nil, fmt.Errorf("JOB_MAX_RETRIES must be at least 1")
	}

	return cfg, nil
}

func loadQueueConfig(name string, def QueueConfig) QueueConfig {
	prefix := "QUEUE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
	return QueueConfig{
		Concurrency: getEnvInt(prefix+"CONCURRENCY", def.Concurrency),
		Timeout:     getEnvMillis(prefix+"TIMEOUT_MS", def.Timeout),
		MaxRetries:  getEnvInt(prefix+"RETRIES", def.MaxRetries),
		RetryDelay:  getEnvMillis(prefix+"RETRY_DELAY_MS", def.RetryDelay),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
