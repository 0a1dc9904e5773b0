package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database" validate:"required"`
	Processor   ProcessorConfig   `mapstructure:"processor" validate:"required"`
	Generation  GenerationConfig  `mapstructure:"generation" validate:"required"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" validate:"required"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// OpsPort serves /healthz, /stats and /metrics. Zero disables the ops server.
	OpsPort int `mapstructure:"ops_port" validate:"gte=0,lt=65536"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
	// ListenChannel is the NOTIFY channel raised on task insert. Empty
	// disables early wake-up and the processor relies on its interval only.
	ListenChannel string `mapstructure:"listen_channel"`
}

// ProcessorConfig tunes the task processor loop.
type ProcessorConfig struct {
	PollIntervalSeconds  int    `mapstructure:"poll_interval_seconds" validate:"gte=1"`
	TaskTimeoutMinutes   int    `mapstructure:"task_timeout_minutes" validate:"gte=1"`
	MaxPendingBatch      int    `mapstructure:"max_pending_batch" validate:"gte=1"`
	MaxActiveBatch       int    `mapstructure:"max_active_batch" validate:"gte=1"`
	MaxConsecutiveErrors int    `mapstructure:"max_consecutive_errors" validate:"gte=1"`
	MaxBackoffSeconds    int    `mapstructure:"max_backoff_seconds" validate:"gte=1"`
	StaleAfterDays       int    `mapstructure:"stale_after_days" validate:"gte=1"`
	ClaimLeaseSeconds    int    `mapstructure:"claim_lease_seconds" validate:"gte=1"`
	UnitTimeoutSeconds   int    `mapstructure:"unit_timeout_seconds" validate:"gte=1"`
	DefaultMaxRetries    int    `mapstructure:"default_max_retries" validate:"gte=0"`
	OwnerID              string `mapstructure:"owner_id"`
}

// PollInterval returns the configured idle interval between cycles.
func (p ProcessorConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// TaskTimeout returns how long a submitted task may stay active.
func (p ProcessorConfig) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutMinutes) * time.Minute
}

// MaxBackoff returns the cap on error backoff delay.
func (p ProcessorConfig) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffSeconds) * time.Second
}

// StaleAfter returns the staleness horizon for scheduling queries.
func (p ProcessorConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterDays) * 24 * time.Hour
}

// ClaimLease returns how long a claim protects a task from other schedulers.
func (p ProcessorConfig) ClaimLease() time.Duration {
	return time.Duration(p.ClaimLeaseSeconds) * time.Second
}

// UnitTimeout bounds one per-task unit of work.
func (p ProcessorConfig) UnitTimeout() time.Duration {
	return time.Duration(p.UnitTimeoutSeconds) * time.Second
}

// GenerationConfig configures the RunningHub image generation client.
type GenerationConfig struct {
	BaseURL               string  `mapstructure:"base_url" validate:"required,url"`
	APIKey                string  `mapstructure:"api_key" validate:"required"`
	WebappID              string  `mapstructure:"webapp_id" validate:"required"`
	PromptNodeID          string  `mapstructure:"prompt_node_id" validate:"required"`
	RatioNodeID           string  `mapstructure:"ratio_node_id"`
	MaxInFlight           int     `mapstructure:"max_in_flight" validate:"gte=1"`
	RequestsPerSecond     float64 `mapstructure:"requests_per_second" validate:"gt=0"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds" validate:"gte=1"`
	MaxDownloadBytes      int64   `mapstructure:"max_download_bytes" validate:"gte=1"`
}

// ObjectStoreConfig configures the S3-compatible artifact bucket.
type ObjectStoreConfig struct {
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	Region          string `mapstructure:"region" validate:"required"`
	Bucket          string `mapstructure:"bucket" validate:"required"`
	AccessKeyID     string `mapstructure:"access_key_id" validate:"required"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required"`
	PublicBaseURL   string `mapstructure:"public_base_url" validate:"required,url"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

// EventsConfig configures task lifecycle event publishing. An empty AMQPURL
// keeps events in-process.
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url" validate:"omitempty,url"`
	Exchange string `mapstructure:"exchange" validate:"required_with=AMQPURL"`

	// SubjectTables maps a subject type to the table whose image_url and
	// image_prompt columns receive a succeeded task's result. Empty disables
	// the write-back.
	SubjectTables map[string]string `mapstructure:"subject_tables" validate:"omitempty,dive,keys,oneof=character scene prop,endkeys,required"`
}
