package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins []string

	DatabaseURL string
	SQLitePath  string
	UploadDir   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	DownloadLimitPerMinute int
	DownloadLimitWindow    time.Duration
	LimiterSweepInterval   time.Duration
	LimiterHorizon         time.Duration

	WorkerEnabled     bool
	WorkerConcurrency int
	QueueBuffer       int

	MetadataTimeout time.Duration
	PipelineTimeout time.Duration
	YTDLPBin        string
	FFmpegBin       string

	CleanupEnabled  bool
	RetentionDays   int
	CleanupInterval time.Duration
	FailedRetention time.Duration
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "5000"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "data/audiodrop.db"),
		UploadDir:   getEnv("UPLOAD_DIR", "uploads"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "audiodrop_downloads"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "audiodrop_downloads_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "audiodrop_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		DownloadLimitPerMinute: getEnvInt("DOWNLOAD_LIMIT_PER_MINUTE", 5),
		DownloadLimitWindow:    getEnvDuration("DOWNLOAD_LIMIT_WINDOW", 60*time.Second),
		LimiterSweepInterval:   getEnvDuration("LIMITER_SWEEP_INTERVAL", 10*time.Minute),
		LimiterHorizon:         getEnvDuration("LIMITER_HORIZON", time.Hour),

		WorkerEnabled:     getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		QueueBuffer:       getEnvInt("QUEUE_BUFFER", 512),

		MetadataTimeout: getEnvDuration("METADATA_TIMEOUT", 30*time.Second),
		PipelineTimeout: getEnvDuration("PIPELINE_TIMEOUT", 600*time.Second),
		YTDLPBin:        getEnv("YTDLP_BIN", "yt-dlp"),
		FFmpegBin:       getEnv("FFMPEG_BIN", "ffmpeg"),

		CleanupEnabled:  getEnvBool("CLEANUP_ENABLED", true),
		RetentionDays:   getEnvInt("RETENTION_DAYS", 7),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour),
		FailedRetention: getEnvDuration("FAILED_RETENTION", 24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration syntax ("90s", "10m") or a bare number
// of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return fallback
		}
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
