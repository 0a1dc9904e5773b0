package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "STORYBOARD"

// defaults doubles as the list of keys viper binds to the environment.
var defaults = map[string]any{
	"server.log_level": "info",
	"server.ops_port":  9090,

	"database.url":            "",
	"database.max_open_conns": 10,
	"database.listen_channel": "ai_tasks_created",

	"processor.poll_interval_seconds":  5,
	"processor.task_timeout_minutes":   30,
	"processor.max_pending_batch":      10,
	"processor.max_active_batch":       50,
	"processor.max_consecutive_errors": 5,
	"processor.max_backoff_seconds":    30,
	"processor.stale_after_days":       30,
	"processor.claim_lease_seconds":    300,
	"processor.unit_timeout_seconds":   120,
	"processor.default_max_retries":    3,
	"processor.owner_id":               "",

	"generation.base_url":                "https://www.runninghub.cn",
	"generation.api_key":                 "",
	"generation.webapp_id":               "",
	"generation.prompt_node_id":          "",
	"generation.ratio_node_id":           "",
	"generation.max_in_flight":           3,
	"generation.requests_per_second":     2.0,
	"generation.request_timeout_seconds": 30,
	"generation.max_download_bytes":      32 << 20,

	"object_store.endpoint":          "",
	"object_store.region":            "auto",
	"object_store.bucket":            "",
	"object_store.access_key_id":     "",
	"object_store.secret_access_key": "",
	"object_store.public_base_url":   "",
	"object_store.key_prefix":        "storyboard",

	"events.amqp_url": "",
	"events.exchange": "storyboard.tasks",
}

// Load reads configuration from defaults, an optional config file, and
// STORYBOARD_-prefixed environment variables, in increasing precedence.
// An empty path looks for config.yaml in the working directory and
// tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
