package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig       = "M365_GO_CONFIG"
	EnvSiteURL      = "M365_GO_SITE_URL"
	EnvClientSecret = "M365_GO_CLIENT_SECRET"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // M365_GO_CONFIG: override config file path
	SiteURL      string // M365_GO_SITE_URL: site to connect to
	ClientSecret string // M365_GO_CLIENT_SECRET: keeps the secret out of the file
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. The client secret is never logged.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	o := EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		SiteURL:      os.Getenv(EnvSiteURL),
		ClientSecret: os.Getenv(EnvClientSecret),
	}

	logger.Debug("read environment overrides",
		slog.String("config_path", o.ConfigPath),
		slog.String("site_url", o.SiteURL),
		slog.Bool("client_secret_set", o.ClientSecret != ""),
	)

	return o
}
