package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	EmailGatewayURL string `env:"EMAIL_GATEWAY_URL,required=true"`
	SMSGatewayURL   string `env:"SMS_GATEWAY_URL,required=true"`
	PushGatewayURL  string `env:"PUSH_GATEWAY_URL,required=true"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY,default=16"`
	// RateLimitPerMinute is the per-recipient, per-channel send ceiling.
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE,default=30"`
	MaxAttempts        int `env:"MAX_ATTEMPTS,default=3"`
	// DedupWindowSec bounds the idempotency window for duplicate enqueues.
	DedupWindowSec int `env:"DEDUP_WINDOW_SEC,default=3600"`
	SendTimeoutSec int `env:"SEND_TIMEOUT_SEC,default=10"`

	GroupBatchSize int `env:"GROUP_BATCH_SIZE,default=25"`
	// GroupFailureThreshold is the failed-member fraction at which a group
	// send reports FAILED instead of PARTIAL.
	GroupFailureThreshold float64 `env:"GROUP_FAILURE_THRESHOLD,default=1.0"`

	// SMSDefaultCountryCode is prefixed to national-format phone numbers.
	SMSDefaultCountryCode string `env:"SMS_DEFAULT_COUNTRY_CODE,default=+1"`

	// RealtimeAuthSecret signs websocket tokens; must match the issuer's.
	RealtimeAuthSecret string `env:"REALTIME_AUTH_SECRET,required=true"`

	PendingEventCap         int `env:"PENDING_EVENT_CAP,default=100"`
	PendingEventTTLSec      int `env:"PENDING_EVENT_TTL_SEC,default=604800"`
	PresenceTTLSec          int `env:"PRESENCE_TTL_SEC,default=60"`
	RetryScanIntervalSec    int `env:"RETRY_SCAN_INTERVAL_SEC,default=5"`
	ScheduleScanIntervalSec int `env:"SCHEDULE_SCAN_INTERVAL_SEC,default=5"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
