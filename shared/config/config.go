package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Problem describes a configuration value the service cannot start with.
// Problems are collected instead of failing fast so /readyz can report
// all of them at once.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	AuditEnabled bool

	CORSAllowedOrigins []string
	RateLimitRPS       int
	RateLimitBurst     int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	LedgerTxTimeoutMS     int
	LedgerTxTimeout       time.Duration
	HistoryMaxLimit       int
	ProjectionCacheTTLSec int
	LowStockThreshold     string
	RebuildLockTTLSec     int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load reads configuration from the environment. Invalid values fall back
// to defaults and are reported as Problems rather than aborting startup.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:              strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,

		OIDCIssuer:      strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:    strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:     strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:  300,
		JWTClockSkewSec: 60,

		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		KafkaBrokers:  parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaClientID: strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")),
		KafkaGroupID:  strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")),
		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		CORSAllowedOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:       20,
		RateLimitBurst:     40,

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		AsynqRedisAddr:   strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")),
		AsynqRedisPass:   os.Getenv("ASYNQ_REDIS_PASSWORD"),
		AsynqQueue:       "default",
		AsynqConcurrency: 10,

		OutboxScanSec:     5,
		OutboxBatchSize:   50,
		OutboxMaxAttempts: 20,

		LedgerTxTimeoutMS:     5000,
		HistoryMaxLimit:       100,
		ProjectionCacheTTLSec: 10,
		LowStockThreshold:     strings.TrimSpace(os.Getenv("LOW_STOCK_THRESHOLD")),
		RebuildLockTTLSec:     60,

		InfluxURL:       strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:     strings.TrimSpace(os.Getenv("INFLUX_TOKEN")),
		InfluxOrg:       strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:    strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		InfluxTimeoutMS: 5000,

		OtelEndpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	problems := make([]Problem, 0, 4)

	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}

	applyInt(&cfg.HTTPPort, "HTTP_PORT", &problems)
	applyInt(&cfg.RequestTimeoutMS, "REQUEST_TIMEOUT_MS", &problems)
	applyInt(&cfg.JWKSTTLSeconds, "OIDC_JWKS_TTL_SECONDS", &problems)
	applyInt(&cfg.JWTClockSkewSec, "JWT_CLOCK_SKEW_SECONDS", &problems)
	applyInt(&cfg.DBMaxConns, "DB_MAX_CONNS", &problems)
	applyInt(&cfg.DBMinConns, "DB_MIN_CONNS", &problems)
	applyInt(&cfg.DBConnMaxIdleSec, "DB_CONN_MAX_IDLE_SECONDS", &problems)
	applyInt(&cfg.DBConnMaxLifeSec, "DB_CONN_MAX_LIFE_SECONDS", &problems)
	applyInt(&cfg.KafkaRetryMax, "KAFKA_RETRY_MAX", &problems)
	applyInt(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &problems)
	applyInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &problems)
	applyInt(&cfg.KafkaWriteMS, "KAFKA_WRITE_TIMEOUT_MS", &problems)
	applyInt(&cfg.RedisDB, "REDIS_DB", &problems)
	applyInt(&cfg.AsynqRedisDB, "ASYNQ_REDIS_DB", &problems)
	applyInt(&cfg.AsynqConcurrency, "ASYNQ_CONCURRENCY", &problems)
	applyInt(&cfg.OutboxScanSec, "OUTBOX_SCAN_SECONDS", &problems)
	applyInt(&cfg.OutboxBatchSize, "OUTBOX_BATCH_SIZE", &problems)
	applyInt(&cfg.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS", &problems)
	applyInt(&cfg.LedgerTxTimeoutMS, "LEDGER_TX_TIMEOUT_MS", &problems)
	applyInt(&cfg.HistoryMaxLimit, "HISTORY_MAX_LIMIT", &problems)
	applyInt(&cfg.ProjectionCacheTTLSec, "PROJECTION_CACHE_TTL_SECONDS", &problems)
	applyInt(&cfg.RebuildLockTTLSec, "REBUILD_LOCK_TTL_SECONDS", &problems)
	applyInt(&cfg.InfluxTimeoutMS, "INFLUX_TIMEOUT_MS", &problems)

	applyBool(&cfg.AuditEnabled, "AUDIT_ENABLED", &problems)
	applyBool(&cfg.OtelEnabled, "OTEL_ENABLED", &problems)
	applyBool(&cfg.OtelInsecure, "OTEL_INSECURE", &problems)
	applyFloat(&cfg.OtelSampleRatio, "OTEL_SAMPLE_RATIO", &problems)

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "must be between 1 and 65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	if cfg.LedgerTxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "LEDGER_TX_TIMEOUT_MS", Message: "must be > 0"})
		cfg.LedgerTxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "must be between 0 and 1"})
		cfg.OtelSampleRatio = 1.0
	}

	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	cfg.LedgerTxTimeout = time.Duration(cfg.LedgerTxTimeoutMS) * time.Millisecond

	return cfg, problems
}

func applyInt(dst *int, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: "must be an integer"})
		return
	}
	*dst = v
}

func applyBool(dst *bool, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, ok := asBool(raw)
	if !ok {
		*problems = append(*problems, Problem{Field: key, Message: "must be a boolean"})
		return
	}
	*dst = v
}

func applyFloat(dst *float64, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: "must be a number"})
		return
	}
	*dst = v
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "yes", "on":
		return true, true
	case "0", "f", "false", "no", "off":
		return false, true
	}
	return false, false
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
