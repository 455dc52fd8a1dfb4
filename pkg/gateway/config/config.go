package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

const (
	AIBackendGemini   = "gemini"
	AIBackendLoopback = "loopback"

	QueueBackendRedis  = "redis"
	QueueBackendMemory = "memory"

	StorageBackendS3     = "s3"
	StorageBackendMemory = "memory"

	STTBackendCartesia = "cartesia"
	STTBackendGemini   = "gemini"
	STTBackendNone     = "none"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
	DBDriverMemory   = "memory"
)

type Config struct {
	Addr string

	AuthMode  AuthMode
	JWTSecret string
	JWTIssuer string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Voice WebSocket (/v1/voice/conversations).
	WSMaxSessionDuration       time.Duration
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveOutboundQueueSize      int

	// In-memory limits (per user).
	LimitRPS                     float64
	LimitBurst                   int
	LimitMaxConcurrentRequests   int
	LimitMaxConversationsPerUser int

	// AI backend
	AIBackend          string
	GeminiAPIKey       string
	Model              string
	SystemPrompt       string
	InputSampleRateHz  int
	OutputSampleRateHz int

	// Job queue
	QueueBackend       string
	RedisURL           string
	QueuePrefix        string
	QueueAttempts      int
	QueueBackoff       time.Duration
	QueueDelay         time.Duration
	QueueDeadLetterCap int
	QueuePollInterval  time.Duration
	QueueLeaseTTL      time.Duration

	// Object storage
	StorageBackend   string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3UsePathStyle   bool
	S3PublicBaseURL  string
	StorageKeyPrefix string

	// Transcription
	STTBackend  string
	STTAPIKey   string
	STTModel    string
	STTLanguage string
	STTBaseURL  string

	// Database
	DBDriver    string
	DatabaseURL string
	AutoMigrate bool

	// Persistence worker
	WorkerInProcess    bool
	WorkerConcurrency  int
	SegmentConcurrency int
	SegmentTimeout     time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                         envOr("VAI_CONVO_ADDR", ":8080"),
		AuthMode:                     AuthMode(envOr("VAI_CONVO_AUTH_MODE", string(AuthModeRequired))),
		JWTSecret:                    envOr("VAI_CONVO_JWT_SECRET", ""),
		JWTIssuer:                    envOr("VAI_CONVO_JWT_ISSUER", ""),
		CORSAllowedOrigins:           make(map[string]struct{}),
		WSMaxSessionDuration:         envDurationOr("VAI_CONVO_WS_MAX_DURATION", 2*time.Hour),
		LiveMaxAudioFrameBytes:       envIntOr("VAI_CONVO_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:      envInt64Or("VAI_CONVO_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:              envIntOr("VAI_CONVO_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond:   envInt64Or("VAI_CONVO_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:      envIntOr("VAI_CONVO_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:           envDurationOr("VAI_CONVO_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:           envDurationOr("VAI_CONVO_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:            envDurationOr("VAI_CONVO_LIVE_WS_READ_TIMEOUT", 0),
		LiveOutboundQueueSize:        envIntOr("VAI_CONVO_LIVE_OUTBOUND_QUEUE_SIZE", 256),
		LimitRPS:                     envFloat64Or("VAI_CONVO_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                   envIntOr("VAI_CONVO_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentRequests:   envIntOr("VAI_CONVO_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxConversationsPerUser: envIntOr("VAI_CONVO_MAX_CONVERSATIONS_PER_USER", 2),
		AIBackend:                    strings.ToLower(envOr("VAI_CONVO_AI_BACKEND", AIBackendGemini)),
		GeminiAPIKey:                 envOr("VAI_CONVO_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		Model:                        envOr("VAI_CONVO_MODEL", "gemini-live-2.5-flash-preview"),
		SystemPrompt:                 envOr("VAI_CONVO_SYSTEM_PROMPT", ""),
		InputSampleRateHz:            envIntOr("VAI_CONVO_INPUT_SAMPLE_RATE", 16000),
		OutputSampleRateHz:           envIntOr("VAI_CONVO_OUTPUT_SAMPLE_RATE", 24000),
		QueueBackend:                 strings.ToLower(envOr("VAI_CONVO_QUEUE_BACKEND", QueueBackendRedis)),
		RedisURL:                     envOr("VAI_CONVO_REDIS_URL", "redis://localhost:6379/0"),
		QueuePrefix:                  envOr("VAI_CONVO_QUEUE_PREFIX", "vai-convo:queue"),
		QueueAttempts:                envIntOr("VAI_CONVO_QUEUE_ATTEMPTS", 3),
		QueueBackoff:                 envDurationOr("VAI_CONVO_QUEUE_BACKOFF", 5*time.Second),
		QueueDelay:                   envDurationOr("VAI_CONVO_QUEUE_DELAY", 0),
		QueueDeadLetterCap:           envIntOr("VAI_CONVO_QUEUE_DEAD_LETTER_CAP", 1000),
		QueuePollInterval:            envDurationOr("VAI_CONVO_QUEUE_POLL_INTERVAL", time.Second),
		QueueLeaseTTL:                envDurationOr("VAI_CONVO_QUEUE_LEASE_TTL", 30*time.Second),
		StorageBackend:               strings.ToLower(envOr("VAI_CONVO_STORAGE_BACKEND", StorageBackendS3)),
		S3Bucket:                     envOr("VAI_CONVO_S3_BUCKET", ""),
		S3Region:                     envOr("VAI_CONVO_S3_REGION", ""),
		S3Endpoint:                   envOr("VAI_CONVO_S3_ENDPOINT", ""),
		S3UsePathStyle:               envBoolOr("VAI_CONVO_S3_PATH_STYLE", false),
		S3PublicBaseURL:              envOr("VAI_CONVO_S3_PUBLIC_BASE_URL", ""),
		StorageKeyPrefix:             envOr("VAI_CONVO_STORAGE_KEY_PREFIX", "conversations"),
		STTBackend:                   strings.ToLower(envOr("VAI_CONVO_STT_BACKEND", STTBackendCartesia)),
		STTAPIKey:                    envOr("VAI_CONVO_STT_API_KEY", os.Getenv("CARTESIA_API_KEY")),
		STTModel:                     envOr("VAI_CONVO_STT_MODEL", ""),
		STTLanguage:                  envOr("VAI_CONVO_STT_LANGUAGE", "en"),
		STTBaseURL:                   envOr("VAI_CONVO_STT_BASE_URL", ""),
		DBDriver:                     strings.ToLower(envOr("VAI_CONVO_DB_DRIVER", DBDriverPostgres)),
		DatabaseURL:                  envOr("VAI_CONVO_DATABASE_URL", os.Getenv("DATABASE_URL")),
		AutoMigrate:                  envBoolOr("VAI_CONVO_AUTO_MIGRATE", true),
		WorkerInProcess:              envBoolOr("VAI_CONVO_WORKER_IN_PROCESS", false),
		WorkerConcurrency:            envIntOr("VAI_CONVO_WORKER_CONCURRENCY", 4),
		SegmentConcurrency:           envIntOr("VAI_CONVO_SEGMENT_CONCURRENCY", 4),
		SegmentTimeout:               envDurationOr("VAI_CONVO_SEGMENT_TIMEOUT", 2*time.Minute),
		ReadHeaderTimeout:            envDurationOr("VAI_CONVO_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                  envDurationOr("VAI_CONVO_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:          envDurationOr("VAI_CONVO_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VAI_CONVO_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_CONVO_AUTH_MODE must be one of required|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("VAI_CONVO_JWT_SECRET must be set when VAI_CONVO_AUTH_MODE=required")
	}

	if cfg.WSMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_WS_MAX_DURATION must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxConversationsPerUser < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_MAX_CONVERSATIONS_PER_USER must be >= 0")
	}

	switch cfg.AIBackend {
	case AIBackendGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("VAI_CONVO_GEMINI_API_KEY must be set when VAI_CONVO_AI_BACKEND=gemini")
		}
	case AIBackendLoopback:
	default:
		return Config{}, fmt.Errorf("VAI_CONVO_AI_BACKEND must be one of gemini|loopback")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("VAI_CONVO_MODEL must not be empty")
	}
	if cfg.InputSampleRateHz <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_INPUT_SAMPLE_RATE must be > 0")
	}
	if cfg.OutputSampleRateHz <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_OUTPUT_SAMPLE_RATE must be > 0")
	}

	switch cfg.QueueBackend {
	case QueueBackendRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("VAI_CONVO_REDIS_URL must be set when VAI_CONVO_QUEUE_BACKEND=redis")
		}
	case QueueBackendMemory:
	default:
		return Config{}, fmt.Errorf("VAI_CONVO_QUEUE_BACKEND must be one of redis|memory")
	}
	if cfg.QueueAttempts <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_QUEUE_ATTEMPTS must be > 0")
	}
	if cfg.QueueBackoff < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_QUEUE_BACKOFF must be >= 0")
	}
	if cfg.QueueDelay < 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_QUEUE_DELAY must be >= 0")
	}
	if cfg.QueueDeadLetterCap <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_QUEUE_DEAD_LETTER_CAP must be > 0")
	}
	if cfg.QueuePollInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_QUEUE_POLL_INTERVAL must be > 0")
	}
	if cfg.QueueLeaseTTL < 3*time.Second {
		return Config{}, fmt.Errorf("VAI_CONVO_QUEUE_LEASE_TTL must be >= 3s")
	}

	switch cfg.StorageBackend {
	case StorageBackendS3:
		if cfg.S3Bucket == "" {
			return Config{}, fmt.Errorf("VAI_CONVO_S3_BUCKET must be set when VAI_CONVO_STORAGE_BACKEND=s3")
		}
	case StorageBackendMemory:
	default:
		return Config{}, fmt.Errorf("VAI_CONVO_STORAGE_BACKEND must be one of s3|memory")
	}

	switch cfg.STTBackend {
	case STTBackendCartesia:
		if cfg.STTAPIKey == "" {
			return Config{}, fmt.Errorf("VAI_CONVO_STT_API_KEY must be set when VAI_CONVO_STT_BACKEND=cartesia")
		}
	case STTBackendGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("VAI_CONVO_GEMINI_API_KEY must be set when VAI_CONVO_STT_BACKEND=gemini")
		}
	case STTBackendNone:
	default:
		return Config{}, fmt.Errorf("VAI_CONVO_STT_BACKEND must be one of cartesia|gemini|none")
	}

	switch cfg.DBDriver {
	case DBDriverPostgres, DBDriverSQLite:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("VAI_CONVO_DATABASE_URL must be set when VAI_CONVO_DB_DRIVER=%s", cfg.DBDriver)
		}
	case DBDriverMemory:
	default:
		return Config{}, fmt.Errorf("VAI_CONVO_DB_DRIVER must be one of postgres|sqlite|memory")
	}

	if cfg.WorkerConcurrency <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_WORKER_CONCURRENCY must be > 0")
	}
	if cfg.SegmentConcurrency <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_SEGMENT_CONCURRENCY must be > 0")
	}
	if cfg.SegmentTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_SEGMENT_TIMEOUT must be > 0")
	}
	if cfg.QueueBackend == QueueBackendMemory && !cfg.WorkerInProcess {
		return Config{}, fmt.Errorf("VAI_CONVO_WORKER_IN_PROCESS must be true when VAI_CONVO_QUEUE_BACKEND=memory")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_CONVO_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
