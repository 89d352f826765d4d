package config

import (
	"time"

	"github.com/eval-hub/bench-runner/pkg/api"
)

type Config struct {
	Service   *ServiceConfig   `mapstructure:"service"`
	Database  *map[string]any  `mapstructure:"database"`
	Runner    *RunnerConfig    `mapstructure:"runner"`
	Events    *EventsConfig    `mapstructure:"events"`
	Catalog   *CatalogConfig   `mapstructure:"catalog"`
	Telemetry *TelemetryConfig `mapstructure:"telemetry"`
}

type ServiceConfig struct {
	Version         string `mapstructure:"version,omitempty"`
	Build           string `mapstructure:"build,omitempty"`
	BuildDate       string `mapstructure:"build_date,omitempty"`
	Port            int    `mapstructure:"port,omitempty" validate:"gte=0,lte=65535"`
	ReadyFile       string `mapstructure:"ready_file"`
	TerminationFile string `mapstructure:"termination_file"`
	LogLevel        string `mapstructure:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LocalMode       bool   `mapstructure:"local_mode,omitempty"`
}

// RunnerConfig controls how benchmark processes are built and supervised.
type RunnerConfig struct {
	Executable           string        `mapstructure:"executable" validate:"required"`
	MockWhenMissing      bool          `mapstructure:"mock_when_missing"`
	RunsDir              string        `mapstructure:"runs_dir" validate:"required"`
	TerminateGracePeriod time.Duration `mapstructure:"terminate_grace_period" validate:"gte=0"`
	MaxDuration          time.Duration `mapstructure:"max_duration" validate:"gte=0"`
	Env                  []api.EnvVar  `mapstructure:"env"`
	// Defaults is a JSON merge patch applied beneath every submitted config.
	Defaults        map[string]any `mapstructure:"defaults"`
	FailurePatterns []string       `mapstructure:"failure_patterns"`
	LogTailLines    int            `mapstructure:"log_tail_lines" validate:"gte=0"`
	MaxLogTailLines int            `mapstructure:"max_log_tail_lines" validate:"gte=0"`
}

type EventsConfig struct {
	BufferSize        int           `mapstructure:"buffer_size" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	TerminalTimeout   time.Duration `mapstructure:"terminal_timeout" validate:"gt=0"`
}

type CatalogConfig struct {
	Discovery        bool          `mapstructure:"discovery"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	ModelProviders   []string      `mapstructure:"model_providers"`
	Models           []string      `mapstructure:"models"`
}

type TelemetryConfig struct {
	Exporter    string `mapstructure:"exporter" validate:"omitempty,oneof=none stdout otlp-http otlp-grpc"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	Logs        bool   `mapstructure:"logs"`
	ServiceName string `mapstructure:"service_name"`
}
