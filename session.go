package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/m365-go/internal/auth"
	"github.com/tonimelisma/m365-go/internal/batch"
	"github.com/tonimelisma/m365-go/internal/config"
	"github.com/tonimelisma/m365-go/internal/domain"
	"github.com/tonimelisma/m365-go/internal/model"
	"github.com/tonimelisma/m365-go/internal/tokencache"
	"github.com/tonimelisma/m365-go/internal/transport"
)

// tokenCacheDirPerms restricts the cache directory to the current user;
// it holds bearer tokens.
const tokenCacheDirPerms = 0o700

// openSite wires the token cache, the token provider, the transport client
// and a session for the configured site. The returned close function
// releases the token cache and must be called when the command finishes.
func openSite(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*domain.Site, func(), error) {
	authCfg := auth.Config{
		TenantID:     cfg.Auth.TenantID,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Authority:    cfg.Auth.Authority,
		Logger:       logger,
	}

	closeFn := func() {}

	if cfg.Auth.TokenCache != "" {
		store, err := openTokenCache(ctx, cfg.Auth.TokenCache, logger)
		if err != nil {
			return nil, nil, err
		}

		authCfg.Cache = store
		closeFn = func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing token cache", slog.String("error", err.Error()))
			}
		}
	}

	provider, err := auth.NewProvider(authCfg)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	site, err := newSite(cfg, provider, logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	logger.Debug("site opened",
		slog.String("site_url", cfg.Site.SiteURL),
		slog.String("identity", provider.Describe()),
	)

	// Graph endpoints address the site by its Graph id, which is only known
	// once the site identity has been read.
	if cfg.Site.GraphFirst {
		if err := site.Session().LoadSiteInfo(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
	}

	return site, closeFn, nil
}

// newSite builds the client stack over authenticator a.
func newSite(cfg *config.Config, a transport.Authenticator, logger *slog.Logger) (*domain.Site, error) {
	// max_retries = 0 in the file means no retries; the client reads zero as
	// "use the default".
	retries := cfg.Network.MaxRetries
	if retries == 0 {
		retries = -1
	}

	client, err := transport.NewClient(transport.Options{
		SiteURL:        cfg.Site.SiteURL,
		GraphURL:       cfg.Site.GraphURL,
		Auth:           a,
		Logger:         logger,
		UserAgent:      cfg.Network.UserAgent,
		MaxRetries:     retries,
		ConnectTimeout: cfg.Network.ConnectTimeoutDuration(),
		RequestTimeout: cfg.Network.RequestTimeoutDuration(),
	})
	if err != nil {
		return nil, err
	}

	session := model.NewSession(client, model.SessionOptions{
		SiteURL:    cfg.Site.SiteURL,
		GraphFirst: cfg.Site.GraphFirst,
		Batch: batch.Options{
			RESTBatchSize:   cfg.Batch.RESTBatchSize,
			GraphBatchSize:  cfg.Batch.GraphBatchSize,
			ParallelGroups:  cfg.Batch.ParallelGroups,
			ResendThrottled: cfg.Batch.ResendThrottled,
		},
		Logger: logger,
	})

	return domain.NewSite(session), nil
}

func openTokenCache(ctx context.Context, path string, logger *slog.Logger) (*tokencache.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), tokenCacheDirPerms); err != nil {
		return nil, fmt.Errorf("creating token cache directory: %w", err)
	}

	store, err := tokencache.Open(ctx, path, logger)
	if err != nil {
		return nil, err
	}

	if _, err := store.PurgeExpired(ctx); err != nil {
		logger.Warn("purging expired tokens", slog.String("error", err.Error()))
	}

	return store, nil
}
