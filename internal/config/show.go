package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as TOML-like text to w.
// This powers "config show". The client secret is masked.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("[site]\n")
	ew.printf("site_url         = %q\n", cfg.Site.SiteURL)
	ew.printf("graph_first      = %t\n", cfg.Site.GraphFirst)

	if cfg.Site.GraphURL != "" {
		ew.printf("graph_url        = %q\n", cfg.Site.GraphURL)
	}

	ew.printf("\n")

	ew.printf("[auth]\n")
	ew.printf("tenant_id        = %q\n", cfg.Auth.TenantID)
	ew.printf("client_id        = %q\n", cfg.Auth.ClientID)
	ew.printf("client_secret    = %q\n", mask(cfg.Auth.ClientSecret))

	if cfg.Auth.Authority != "" {
		ew.printf("authority        = %q\n", cfg.Auth.Authority)
	}

	ew.printf("token_cache      = %q\n\n", cfg.Auth.TokenCache)

	ew.printf("[network]\n")

	if cfg.Network.UserAgent != "" {
		ew.printf("user_agent       = %q\n", cfg.Network.UserAgent)
	}

	ew.printf("connect_timeout  = %q\n", cfg.Network.ConnectTimeout)
	ew.printf("request_timeout  = %q\n", cfg.Network.RequestTimeout)
	ew.printf("max_retries      = %d\n\n", cfg.Network.MaxRetries)

	ew.printf("[batch]\n")
	ew.printf("rest_batch_size  = %d\n", cfg.Batch.RESTBatchSize)
	ew.printf("graph_batch_size = %d\n", cfg.Batch.GraphBatchSize)
	ew.printf("parallel_groups  = %d\n", cfg.Batch.ParallelGroups)
	ew.printf("resend_throttled = %t\n\n", cfg.Batch.ResendThrottled)

	ew.printf("[logging]\n")
	ew.printf("log_level        = %q\n", cfg.Logging.LogLevel)
	ew.printf("log_format       = %q\n", cfg.Logging.LogFormat)

	return ew.err
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}

	return "********"
}

// errWriter captures the first write error. Later writes are no-ops, so
// callers can chain printf calls without checking each one.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
