// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for m365-go. Values come from a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Site    SiteConfig    `toml:"site"`
	Auth    AuthConfig    `toml:"auth"`
	Network NetworkConfig `toml:"network"`
	Batch   BatchConfig   `toml:"batch"`
	Logging LoggingConfig `toml:"logging"`
}

// SiteConfig names the SharePoint site the session works against and how
// calls are routed between SharePoint REST and Microsoft Graph.
type SiteConfig struct {
	SiteURL    string `toml:"site_url"`
	GraphFirst bool   `toml:"graph_first"`

	// GraphURL overrides the Graph v1.0 root, for national clouds.
	GraphURL string `toml:"graph_url"`
}

// AuthConfig holds the app registration used for the client credentials
// grant. token_cache is a file path; empty disables the persistent cache.
type AuthConfig struct {
	TenantID     string `toml:"tenant_id"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Authority    string `toml:"authority"`
	TokenCache   string `toml:"token_cache"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	UserAgent      string `toml:"user_agent"`
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	MaxRetries     int    `toml:"max_retries"`
}

// BatchConfig bounds batch envelopes. The services reject REST batches over
// 100 requests and Graph batches over 20. ResendThrottled resends members
// the service throttled inside an envelope as single calls instead of
// reporting them as failed.
type BatchConfig struct {
	RESTBatchSize   int  `toml:"rest_batch_size"`
	GraphBatchSize  int  `toml:"graph_batch_size"`
	ParallelGroups  int  `toml:"parallel_groups"`
	ResendThrottled bool `toml:"resend_throttled"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from an explicit zero value, so --graph-first=false can
// override graph_first = true in the file.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	SiteURL    string  // --site flag
	GraphFirst *bool   // --graph-first flag
	LogLevel   *string // --verbose / --quiet / --log-level
}

// ConnectTimeoutDuration returns the parsed connect timeout. Validate has
// already rejected malformed values, so a parse failure yields zero.
func (n *NetworkConfig) ConnectTimeoutDuration() time.Duration {
	return parseDurationOrZero(n.ConnectTimeout)
}

// RequestTimeoutDuration returns the parsed request timeout.
func (n *NetworkConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOrZero(n.RequestTimeout)
}

func parseDurationOrZero(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
