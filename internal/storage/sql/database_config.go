package sql

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
)

type SQLDatabaseConfig struct {
	Driver          string         `mapstructure:"driver"`
	URL             string         `mapstructure:"url"`
	ConnMaxLifetime *time.Duration `mapstructure:"conn_max_lifetime,omitempty"`
	MaxIdleConns    *int           `mapstructure:"max_idle_conns,omitempty"`
	MaxOpenConns    *int           `mapstructure:"max_open_conns,omitempty"`
	DatabaseName    string         `mapstructure:"database_name,omitempty"`
}

// decodeConfig decodes the raw database section of the service config.
// Durations may be given as strings such as "30m".
func decodeConfig(config map[string]any) (*SQLDatabaseConfig, error) {
	var sqlConfig SQLDatabaseConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &sqlConfig,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}
	// sqlite allows a single writer, a second connection only produces busy errors
	if sqlConfig.Driver == SQLITE_DRIVER && sqlConfig.MaxOpenConns == nil {
		one := 1
		sqlConfig.MaxOpenConns = &one
	}
	return &sqlConfig, nil
}
