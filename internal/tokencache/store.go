// Package tokencache persists access tokens across process runs in a
// SQLite database, so short-lived CLI invocations reuse a token until it
// expires instead of acquiring one per run.
package tokencache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

const (
	sqlGetToken = `SELECT access_token, token_type, expires_at FROM tokens WHERE cache_key = ?`

	sqlPutToken = `INSERT INTO tokens (cache_key, access_token, token_type, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			access_token = excluded.access_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`

	sqlDeleteToken = `DELETE FROM tokens WHERE cache_key = ?`

	sqlPurgeExpired = `DELETE FROM tokens WHERE expires_at <= ?`
)

// Store is a token cache backed by one SQLite file. It is safe for
// concurrent use; writes are serialized through a single connection.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens or creates the cache at path and applies migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tokencache: opening %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("token cache opened", slog.String("path", path))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached token for key. A missing or expired entry yields
// (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*oauth2.Token, error) {
	var (
		access, tokenType string
		expiresAt         int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetToken, key).Scan(&access, &tokenType, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "not cached"
	}

	if err != nil {
		return nil, fmt.Errorf("tokencache: reading %s: %w", key, err)
	}

	expiry := time.Unix(expiresAt, 0)
	if !expiry.After(s.nowFunc()) {
		return nil, nil //nolint:nilnil // expired entries are misses
	}

	return &oauth2.Token{AccessToken: access, TokenType: tokenType, Expiry: expiry}, nil
}

// Put stores tok under key. Tokens without an expiry are not cached.
func (s *Store) Put(ctx context.Context, key string, tok *oauth2.Token) error {
	if tok == nil || tok.Expiry.IsZero() {
		return nil
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	if _, err := s.db.ExecContext(ctx, sqlPutToken,
		key, tok.AccessToken, tokenType, tok.Expiry.Unix(), s.nowFunc().Unix(),
	); err != nil {
		return fmt.Errorf("tokencache: writing %s: %w", key, err)
	}

	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteToken, key); err != nil {
		return fmt.Errorf("tokencache: deleting %s: %w", key, err)
	}

	return nil
}

// PurgeExpired removes every expired entry and returns how many were
// removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlPurgeExpired, s.nowFunc().Unix())
	if err != nil {
		return 0, fmt.Errorf("tokencache: purging: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("tokencache: purging: %w", err)
	}

	if n > 0 {
		s.logger.Debug("purged expired tokens", slog.Int64("count", n))
	}

	return n, nil
}
