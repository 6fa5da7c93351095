// Package users persists user identities and their provider credentials in
// SQLite.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"roomdj/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	user_id       TEXT NOT NULL REFERENCES users(id),
	provider      TEXT NOT NULL,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expiry        TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, provider)
);
`

// Directory is the SQLite-backed implementation of core.UserDirectory.
type Directory struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the directory database at path. Use
// ":memory:" for an ephemeral directory in tests.
func Open(path string, logger *zap.Logger) (*Directory, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply user schema: %w", err)
	}

	return &Directory{db: db, logger: logger.Named("users")}, nil
}

// Close releases the underlying database handle.
func (d *Directory) Close() error {
	return d.db.Close()
}

// CreateUser registers a new username. Usernames are unique; a taken name
// returns ErrUserExists.
func (d *Directory) CreateUser(ctx context.Context, username, displayName string) (*core.UserRef, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username must not be empty")
	}
	if displayName == "" {
		displayName = username
	}

	user := core.UserRef{
		ID:          uuid.New(),
		Username:    username,
		DisplayName: displayName,
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, created_at) VALUES (?, ?, ?, ?)`,
		user.ID.String(), user.Username, user.DisplayName, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create user %q: %w", username, core.ErrUserExists)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	d.logger.Info("User created",
		zap.String("userID", user.ID.String()),
		zap.String("username", user.Username))

	return &user, nil
}

// UserByUsername looks up a user by their unique username.
func (d *Directory) UserByUsername(ctx context.Context, username string) (*core.UserRef, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, username, display_name FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// UserByID looks up a user by ID.
func (d *Directory) UserByID(ctx context.Context, id uuid.UUID) (*core.UserRef, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, username, display_name FROM users WHERE id = ?`, id.String())
	return scanUser(row)
}

// AttachCredential stores or replaces the user's credential for one
// provider. Called after a successful authorization flow and again whenever
// a refreshed token comes back from the provider.
func (d *Directory) AttachCredential(ctx context.Context, userID uuid.UUID, cred core.TokenCredential) error {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, provider, access_token, refresh_token, expiry, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at`,
		userID.String(), cred.Provider, cred.AccessToken, cred.RefreshToken,
		cred.Expiry.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.logger.Debug("Credential stored",
			zap.String("userID", userID.String()),
			zap.String("provider", cred.Provider))
	}
	return nil
}

// Credential returns the user's credential for a provider, or
// ErrUserNotConnected when none is stored.
func (d *Directory) Credential(ctx context.Context, userID uuid.UUID, provider string) (*core.TokenCredential, error) {
	var cred core.TokenCredential
	var expiry sql.NullTime

	err := d.db.QueryRowContext(ctx,
		`SELECT provider, access_token, refresh_token, expiry
		 FROM credentials WHERE user_id = ? AND provider = ?`,
		userID.String(), provider).
		Scan(&cred.Provider, &cred.AccessToken, &cred.RefreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential for user %s: %w", userID, core.ErrUserNotConnected)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	if expiry.Valid {
		cred.Expiry = expiry.Time
	}
	return &cred, nil
}

func scanUser(row *sql.Row) (*core.UserRef, error) {
	var user core.UserRef
	var id string

	err := row.Scan(&id, &user.Username, &user.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	user.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt user id %q: %w", id, err)
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
