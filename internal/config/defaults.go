package config

// Default values for configuration options. These are layer 0 of the
// override chain and work without any config file once a site and app
// registration are supplied.
const (
	defaultConnectTimeout = "10s"
	defaultRequestTimeout = "120s"
	defaultMaxRetries     = 5
	defaultRESTBatchSize  = 100
	defaultGraphBatchSize = 20
	defaultParallelGroups = 4
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			TokenCache: DefaultTokenCachePath(),
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			RequestTimeout: defaultRequestTimeout,
			MaxRetries:     defaultMaxRetries,
		},
		Batch: BatchConfig{
			RESTBatchSize:  defaultRESTBatchSize,
			GraphBatchSize: defaultGraphBatchSize,
			ParallelGroups: defaultParallelGroups,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
