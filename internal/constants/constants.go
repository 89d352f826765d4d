package constants

const (
	// log field names used across the service
	LOG_REQUEST_ID = "request_id"
	LOG_METHOD     = "method"
	LOG_URI        = "uri"
	LOG_USER_AGENT = "user_agent"
	LOG_REMOTE_ADR = "remote_addr"
	LOG_USER       = "remote_user"
	LOG_REFERER    = "referer"
	LOG_RUN_ID     = "run_id"
	LOG_BENCHMARK  = "benchmark"
	LOG_MODEL      = "model"

	// path parameters
	PATH_PARAMETER_RUN_ID    = "run_id"
	PATH_PARAMETER_BENCHMARK = "name"

	// query parameters
	QUERY_PARAMETER_STATUS    = "status"
	QUERY_PARAMETER_BENCHMARK = "benchmark"
	QUERY_PARAMETER_MODEL     = "model"
	QUERY_PARAMETER_LIMIT     = "limit"
	QUERY_PARAMETER_OFFSET    = "offset"
	QUERY_PARAMETER_LOG_LINES = "log_lines"

	DEFAULT_PAGE_LIMIT = 50
	MAX_PAGE_LIMIT     = 500

	// EnvVarTerminationFile is read when the config could not be loaded
	EnvVarTerminationFile = "TERMINATION_FILE"
	// EnvVarConfigPath points at an extra config file merged over config.yaml
	EnvVarConfigPath = "CONFIG_PATH"

	// MockBenchCommand is the hidden subcommand that simulates the bench CLI
	MockBenchCommand = "mock-bench"
)
