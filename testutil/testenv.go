// Package testutil provides environment helpers for the live-tenant E2E
// tests. E2E tests drive the built binary and cannot import internal/, so
// this package depends only on the standard library.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E tests.
const (
	EnvAllowedSites = "M365_GO_ALLOWED_TEST_SITES"
	EnvTestSite     = "M365_GO_TEST_SITE"
	EnvTenantID     = "M365_GO_TEST_TENANT_ID"
	EnvClientID     = "M365_GO_TEST_CLIENT_ID"
	EnvClientSecret = "M365_GO_CLIENT_SECRET"
	EnvTestList     = "M365_GO_TEST_LIST"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file. A missing file is not
// an error (CI sets the variables directly), and variables already set win
// over the file.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist exits the process unless the test site is listed in
// M365_GO_ALLOWED_TEST_SITES. E2E tests create and change list items, so
// they must never run against a production site by accident.
func ValidateAllowlist() string {
	allowlist := os.Getenv(EnvAllowedSites)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedSites)
		fmt.Fprintln(os.Stderr, "Example: "+EnvAllowedSites+"=https://contoso.sharepoint.com/sites/e2e")
		os.Exit(1)
	}

	site := strings.TrimRight(os.Getenv(EnvTestSite), "/")
	if site == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvTestSite)
		os.Exit(1)
	}

	for a := range strings.SplitSeq(allowlist, ",") {
		if strings.EqualFold(strings.TrimRight(strings.TrimSpace(a), "/"), site) {
			return site
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", EnvTestSite, site, EnvAllowedSites, allowlist)
	os.Exit(1)

	return ""
}

// RequireEnv exits the process when any of the named variables is unset.
func RequireEnv(names ...string) {
	var missing []string

	for _, n := range names {
		if os.Getenv(n) == "" {
			missing = append(missing, n)
		}
	}

	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "FATAL: missing environment: %s\n", strings.Join(missing, ", "))
		os.Exit(1)
	}
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// WriteConfig writes a config file for the test tenant into dir and
// returns its path. The client secret stays in the environment.
func WriteConfig(dir, tenantID, clientID string) string {
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`[auth]
tenant_id = %q
client_id = %q
token_cache = %q

[logging]
log_level = "debug"
log_format = "json"
`, tenantID, clientID, filepath.Join(dir, "tokens.db"))

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: writing %s: %v\n", path, err)
		os.Exit(1)
	}

	return path
}
