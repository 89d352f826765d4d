package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/eval-hub/bench-runner/internal/constants"
	"github.com/spf13/viper"
)

type EnvMap struct {
	EnvMappings map[string]string `mapstructure:"env_mappings,omitempty"`
}

type SecretMap struct {
	Dir      string            `mapstructure:"dir,omitempty"`
	Mappings map[string]string `mapstructure:"mappings,omitempty"`
}

var defaultConfigDirs = []string{"config", "./config", "../../config"}

// readConfig locates and reads a configuration file using Viper. It searches for
// a file named "{name}.{ext}" in each of the given directories in order; the first
// found file is read. The returned Viper instance contains the parsed config and
// can be used for further unmarshaling or env binding.
//
// Parameters:
//   - logger: Logger for config load messages (success and failure).
//   - name: Config file base name without extension (e.g., "config").
//   - ext: Config file extension/type (e.g., "yaml"); used by Viper as config type.
//   - dirs: One or more directories to search for the file; first match wins.
//
// Returns:
//   - *viper.Viper: Viper instance with the config loaded, or a new Viper if no file was read.
//   - error: Non-nil if no config file was found in any dir or if reading failed.
func readConfig(logger *slog.Logger, name string, ext string, dirs ...string) (*viper.Viper, error) {
	logger.Info("Reading the configuration file", "file", fmt.Sprintf("%s.%s", name, ext), "dirs", fmt.Sprintf("%v", dirs))

	configValues := viper.New()
	setDefaults(configValues)

	configValues.SetConfigName(name) // name of config file (without extension)
	configValues.SetConfigType(ext)  // REQUIRED if the config file does not have the extension in the name
	for _, dir := range dirs {
		configValues.AddConfigPath(dir)
	}
	err := configValues.ReadInConfig() // Find and read the config file

	if err != nil {
		logger.Error("Failed to read the configuration file", "file", fmt.Sprintf("%s.%s", name, ext), "dirs", fmt.Sprintf("%v", dirs), "error", err.Error())
	} else {
		logger.Info("Read the configuration file", "file", configValues.ConfigFileUsed())
	}

	return configValues, err
}

// setDefaults registers the values used when a key is absent from every source.
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.log_level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:./data/bench_runner.db?_pragma=busy_timeout(5000)")
	v.SetDefault("runner.executable", "bench")
	v.SetDefault("runner.mock_when_missing", true)
	v.SetDefault("runner.runs_dir", "./data/runs")
	v.SetDefault("runner.terminate_grace_period", "5s")
	v.SetDefault("runner.max_duration", "0s")
	v.SetDefault("runner.log_tail_lines", 100)
	v.SetDefault("runner.max_log_tail_lines", 5000)
	v.SetDefault("runner.failure_patterns", DefaultFailurePatterns)
	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("events.heartbeat_interval", "15s")
	v.SetDefault("events.terminal_timeout", "5s")
	v.SetDefault("catalog.discovery", true)
	v.SetDefault("catalog.cache_ttl", "10m")
	v.SetDefault("catalog.discovery_timeout", "30s")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.service_name", "bench-runner")
}

// DefaultFailurePatterns are output fragments that mean a benchmark failed
// even when the process exits with code 0.
var DefaultFailurePatterns = []string{
	"Task interrupted (no samples completed",
	"Error code:",
	"NotFoundError:",
	"does not exist or you do not have access",
	"model_not_found",
	"AuthenticationError:",
	"PermissionDeniedError:",
	"RateLimitError:",
}

// LoadConfig loads configuration using a layered system with Viper.
//
// Configuration loading order (later sources override earlier ones):
//  1. config.yaml found in dirs (defaults to config, ./config and ../../config)
//  2. The file named by CONFIG_PATH, merged over config.yaml
//  3. Secrets from files - Mapped via secrets.mappings with secrets.dir
//  4. Environment variables - Mapped via env_mappings
//
// Configuration supports:
//   - Environment variable mapping: Define in env_mappings (e.g., PORT → service.port)
//   - Secrets from files: Define in secrets.mappings with secrets.dir (e.g., db_url → database.url)
//   - Optional secrets: Append :optional to the secret file name to mark it as optional.
//     If an optional secret file doesn't exist, no error is logged and the configuration
//     continues loading without that secret value.
//
// Example configuration structure:
//
//	env_mappings:
//	  PORT: service.port
//	secrets:
//	  dir: /tmp
//	  mappings:
//	    db_url: database.url
//	    api_token:optional: runner.token
func LoadConfig(logger *slog.Logger, version string, build string, buildDate string, dirs ...string) (*Config, error) {
	if len(dirs) == 0 {
		dirs = defaultConfigDirs
	}
	configValues, err := readConfig(logger, "config", "yaml", dirs...)
	if err != nil {
		return nil, err
	}

	// set up the secrets from the secrets directory
	secrets := SecretMap{}
	if err := configValues.UnmarshalKey("secrets", &secrets); err != nil {
		return nil, err
	}

	// an operator mounted config file takes precedence over the packaged one
	if configPath := strings.TrimSpace(os.Getenv(constants.EnvVarConfigPath)); configPath != "" {
		operatorValues := viper.New()
		operatorValues.SetConfigFile(configPath)
		if err := operatorValues.ReadInConfig(); err != nil {
			logger.Error("Failed to read the operator configuration file", "file", configPath, "error", err.Error())
			return nil, err
		}
		if err := configValues.MergeConfigMap(operatorValues.AllSettings()); err != nil {
			return nil, err
		}
		// secret mappings are replaced rather than merged so that a bundled
		// mapping cannot require a file the operator does not mount
		if operatorValues.IsSet("secrets.mappings") {
			secrets.Mappings = operatorValues.GetStringMapString("secrets.mappings")
		}
		if operatorValues.IsSet("secrets.dir") {
			secrets.Dir = operatorValues.GetString("secrets.dir")
		}
		logger.Info("Merged the operator configuration file", "file", configPath)
	}
	if secrets.Dir != "" {
		// check that the secrets directory exists
		if _, err := os.Stat(secrets.Dir); !os.IsNotExist(err) {
			for fileName, fieldName := range secrets.Mappings {
				// the secret file name can be optional by appending :optional to the file name
				optional := strings.HasSuffix(fileName, ":optional")
				if optional {
					fileName = strings.TrimSuffix(fileName, ":optional")
				}
				secret, err := getSecret(secrets.Dir, fileName, optional)
				if err != nil {
					// log the error and fail the startup (by returning the error)
					logger.Error("Failed to read secret file", "file", fmt.Sprintf("%s/%s", secrets.Dir, fileName), "error", err.Error())
					return nil, err
				}
				if secret != "" {
					configValues.Set(fieldName, strings.TrimSpace(secret))
				}
			}
		}
	}

	// set up the environment variable mappings
	envMappings := EnvMap{}
	if err := configValues.Unmarshal(&envMappings); err != nil {
		return nil, err
	}
	for envName, field := range envMappings.EnvMappings {
		if err := configValues.BindEnv(field, strings.ToUpper(envName)); err != nil {
			return nil, err
		}
		logger.Info("Mapped environment variable", "field_name", field, "env_name", strings.ToUpper(envName))
	}

	conf := Config{}
	if err := configValues.Unmarshal(&conf); err != nil {
		return nil, err
	}
	if conf.Service == nil {
		conf.Service = &ServiceConfig{}
	}

	// set the version, build, and build date
	conf.Service.Version = version
	conf.Service.Build = build
	conf.Service.BuildDate = buildDate
	return &conf, nil
}

// getSecret reads a secret from a file and returns the value as a string.
// If the file does not exist and optional is true, it silently returns an empty string.
// Any other read failure is returned to the caller.
//
// Parameters:
//   - secretsDir: The directory containing the secret files
//   - secretName: The name of the secret file
//   - optional: If true, missing files are not an error
//
// Returns:
//   - string: The value of the secret as a string, or empty string if file doesn't exist
//   - error: The read error for required or unreadable secrets
func getSecret(secretsDir string, secretName string, optional bool) (string, error) {
	// this is the full name of the secrets file to read
	secret, err := os.ReadFile(fmt.Sprintf("%s/%s", secretsDir, secretName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && optional {
			return "", nil
		}
		return "", err
	}
	return string(secret), nil
}
