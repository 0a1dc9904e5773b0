// Package config handles configuration loading, parsing, and validation
// from environment variables and an optional YAML file. Environment
// variables use the STORYBOARD_ prefix with nested keys joined by
// underscores, e.g. STORYBOARD_PROCESSOR_POLL_INTERVAL_SECONDS.
package config
