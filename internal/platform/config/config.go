// Package config loads the environment-driven application configuration.
// Values here are process defaults; a subset can be overridden at runtime
// through the settings table.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`

	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS" envDefault:"10"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS" envDefault:"2"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`

	// Leader election
	LeaderElectionEnabled bool          `env:"LEADER_ELECTION_ENABLED" envDefault:"true"`
	LeaderLockPath        string        `env:"LEADER_LOCK_PATH" envDefault:"/var/run/newswatch/leader.lock"`
	LeaderCheckInterval   time.Duration `env:"LEADER_CHECK_INTERVAL" envDefault:"30s"`

	// Ingestion scheduler
	SchedulerTickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" envDefault:"1m"`
	FetchParallelism      int64         `env:"FETCH_PARALLELISM" envDefault:"4"`
	FetchRateRPS          float64       `env:"FETCH_RATE_RPS" envDefault:"2"`
	FetchTimeout          time.Duration `env:"FETCH_TIMEOUT" envDefault:"60s"`

	// Classifier service
	ClassifierBaseURL   string        `env:"CLASSIFIER_BASE_URL" envDefault:"http://localhost:8001"`
	ClassifierTimeout   time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"30s"`
	DuplicateThreshold  float64       `env:"DUPLICATE_THRESHOLD" envDefault:"0.75"`
	DuplicateLookback   int           `env:"DUPLICATE_LOOKBACK_DAYS" envDefault:"14"`
	SyncCheckMaxDelta   int           `env:"SYNC_CHECK_MAX_DELTA" envDefault:"50"`
	BoilerplatePrefixes []string      `env:"BOILERPLATE_PREFIXES" envSeparator:"|"`

	// Classifier worker
	ClassifierBatchSize    int           `env:"CLASSIFIER_BATCH_SIZE" envDefault:"20"`
	ClassifierPollInterval time.Duration `env:"CLASSIFIER_POLL_INTERVAL" envDefault:"30s"`
	MaxConsecutiveErrors   int           `env:"MAX_CONSECUTIVE_ERRORS" envDefault:"10"`

	// LLM worker
	LLMEnabled          bool          `env:"LLM_ENABLED" envDefault:"true"`
	LLMBaseURL          string        `env:"LLM_BASE_URL" envDefault:"http://gpu-host:11434/v1"`
	LLMAPIKey           string        `env:"LLM_API_KEY" envDefault:"local"`
	LLMModel            string        `env:"LLM_MODEL" envDefault:"qwen2.5:32b"`
	LLMTimeout          time.Duration `env:"LLM_TIMEOUT" envDefault:"300s"`
	LLMTemperature      float32       `env:"LLM_TEMPERATURE" envDefault:"0.2"`
	LLMMaxTokens        int           `env:"LLM_MAX_TOKENS" envDefault:"2048"`
	AnthropicAPIKey     string        `env:"ANTHROPIC_API_KEY"`
	AnthropicModel      string        `env:"ANTHROPIC_MODEL" envDefault:"claude-haiku-4-5"`
	FreshQueueCapacity  int           `env:"FRESH_QUEUE_CAPACITY" envDefault:"500"`
	FreshBatchSize      int           `env:"FRESH_BATCH_SIZE" envDefault:"5"`
	BacklogBatchSize    int           `env:"BACKLOG_BATCH_SIZE" envDefault:"10"`
	WorkerIdleSleep     time.Duration `env:"WORKER_IDLE_SLEEP" envDefault:"45s"`
	WorkerErrorSleep    time.Duration `env:"WORKER_ERROR_SLEEP" envDefault:"10s"`
	CommandPollInterval time.Duration `env:"COMMAND_POLL_INTERVAL" envDefault:"5s"`

	// GPU power management
	GPUProbeURL          string        `env:"GPU_PROBE_URL" envDefault:"http://gpu-host:11434/api/tags"`
	GPUProbeTimeout      time.Duration `env:"GPU_PROBE_TIMEOUT" envDefault:"5s"`
	GPUMACAddress        string        `env:"GPU_MAC_ADDRESS"`
	GPUBroadcastAddr     string        `env:"GPU_BROADCAST_ADDR" envDefault:"255.255.255.255:9"`
	GPUWakeTimeout       time.Duration `env:"GPU_WAKE_TIMEOUT" envDefault:"120s"`
	GPUActiveHoursStart  int           `env:"GPU_ACTIVE_HOURS_START" envDefault:"7"`
	GPUActiveHoursEnd    int           `env:"GPU_ACTIVE_HOURS_END" envDefault:"16"`
	GPUWeekdaysOnly      bool          `env:"GPU_WEEKDAYS_ONLY" envDefault:"true"`
	GPUAutoShutdown      bool          `env:"GPU_AUTO_SHUTDOWN" envDefault:"true"`
	GPUIdleSeconds       int           `env:"GPU_IDLE_SECONDS" envDefault:"900"`
	GPUSSHHost           string        `env:"GPU_SSH_HOST" envDefault:"gpu-host:22"`
	GPUSSHUser           string        `env:"GPU_SSH_USER" envDefault:"newswatch"`
	GPUSSHKeyPath        string        `env:"GPU_SSH_KEY_PATH" envDefault:"/etc/newswatch/id_ed25519"`
	GPUSSHTimeout        time.Duration `env:"GPU_SSH_TIMEOUT" envDefault:"15s"`
	GPUIgnoredLoginUsers []string      `env:"GPU_IGNORED_LOGIN_USERS" envSeparator:"," envDefault:"newswatch,gdm"`

	// Housekeeping
	HousekeepingRetentionDays int `env:"HOUSEKEEPING_RETENTION_DAYS" envDefault:"180"`
}

func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	return cfg, nil
}
