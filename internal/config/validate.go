package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	maxRESTBatchSize  = 100
	maxGraphBatchSize = 20
	maxParallelGroups = 16
	maxMaxRetries     = 10
	minConnectTimeout = 1 * time.Second
	minRequestTimeout = 5 * time.Second
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSite(&cfg.Site)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateBatch(&cfg.Batch)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks what must be present once every override layer
// has been applied. A config file may leave the site or the secret to the
// environment, so these are not checked by Validate.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Site.SiteURL == "" {
		errs = append(errs, fmt.Errorf("site_url: required (set it in [site], %s or --site)", EnvSiteURL))
	}

	if cfg.Auth.TenantID == "" {
		errs = append(errs, errors.New("tenant_id: required"))
	}

	if cfg.Auth.ClientID == "" {
		errs = append(errs, errors.New("client_id: required"))
	}

	if cfg.Auth.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("client_secret: required (set it in [auth] or %s)", EnvClientSecret))
	}

	errs = append(errs, validateSite(&cfg.Site)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateSite(s *SiteConfig) []error {
	var errs []error

	if s.SiteURL != "" {
		if err := validateHTTPSURL(s.SiteURL); err != nil {
			errs = append(errs, fmt.Errorf("site_url: %w", err))
		}
	}

	if s.GraphURL != "" {
		if err := validateHTTPSURL(s.GraphURL); err != nil {
			errs = append(errs, fmt.Errorf("graph_url: %w", err))
		}
	}

	return errs
}

func validateAuth(a *AuthConfig) []error {
	if a.Authority == "" {
		return nil
	}

	if err := validateHTTPSURL(a.Authority); err != nil {
		return []error{fmt.Errorf("authority: %w", err)}
	}

	return nil
}

func validateHTTPSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("must be an absolute https URL, got %q", raw)
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDuration("request_timeout", n.RequestTimeout, minRequestTimeout)...)

	if n.MaxRetries < 0 || n.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("max_retries: must be between 0 and %d, got %d",
			maxMaxRetries, n.MaxRetries))
	}

	return errs
}

func validateDuration(name, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", name, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", name, minimum, value)}
	}

	return nil
}

func validateBatch(b *BatchConfig) []error {
	var errs []error

	if b.RESTBatchSize < 1 || b.RESTBatchSize > maxRESTBatchSize {
		errs = append(errs, fmt.Errorf("rest_batch_size: must be between 1 and %d, got %d",
			maxRESTBatchSize, b.RESTBatchSize))
	}

	if b.GraphBatchSize < 1 || b.GraphBatchSize > maxGraphBatchSize {
		errs = append(errs, fmt.Errorf("graph_batch_size: must be between 1 and %d, got %d",
			maxGraphBatchSize, b.GraphBatchSize))
	}

	if b.ParallelGroups < 1 || b.ParallelGroups > maxParallelGroups {
		errs = append(errs, fmt.Errorf("parallel_groups: must be between 1 and %d, got %d",
			maxParallelGroups, b.ParallelGroups))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}
