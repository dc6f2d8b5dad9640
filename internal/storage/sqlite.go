package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgellow/fin-auth/internal/log"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

var _ Storage = (*SQLiteStorage)(nil)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// SQLiteStorage persists everything in a single SQLite file.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.LogInfoWithFields("storage", "Opened SQLite storage", map[string]any{
		"path": filepath.Clean(path),
	})

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// Close releases the underlying SQLite database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, email, name, picture, provider, email_verified, active, created_at, last_login`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                    User
		createdAt, lastLogin int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.Provider,
		&u.EmailVerified, &u.Active, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	u.LastLogin = fromMillis(lastLogin)
	return &u, nil
}

func (s *SQLiteStorage) loadIdentities(ctx context.Context, u *User) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, subject FROM user_identities WHERE user_id = ?`, u.ID)
	if err != nil {
		return fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	u.Identities = make(map[string]string)
	for rows.Next() {
		var provider, subject string
		if err := rows.Scan(&provider, &subject); err != nil {
			return fmt.Errorf("scan identity: %w", err)
		}
		u.Identities[provider] = subject
	}
	return rows.Err()
}

func (s *SQLiteStorage) getUserWhere(ctx context.Context, where string, args ...any) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, args...)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadIdentities(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, `id = ?`, id)
}

func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserWhere(ctx, `email = ?`, email)
}

func (s *SQLiteStorage) GetUserByIdentity(ctx context.Context, provider, subject string) (*User, error) {
	return s.getUserWhere(ctx,
		`id = (SELECT user_id FROM user_identities WHERE provider = ? AND subject = ?)`,
		provider, subject)
}

func (s *SQLiteStorage) SaveUser(ctx context.Context, u *User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ? AND id <> ?`, u.Email, u.ID).Scan(&owner)
	switch {
	case err == nil:
		return ErrEmailTaken
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check email: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    email = excluded.email,
    name = excluded.name,
    picture = excluded.picture,
    provider = excluded.provider,
    email_verified = excluded.email_verified,
    active = excluded.active,
    last_login = excluded.last_login`,
		u.ID, u.Email, u.Name, u.Picture, u.Provider, u.EmailVerified, u.Active,
		toMillis(u.CreatedAt), toMillis(u.LastLogin))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_identities WHERE user_id = ?`, u.ID); err != nil {
		return fmt.Errorf("clear identities: %w", err)
	}
	for provider, subject := range u.Identities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_identities (provider, subject, user_id) VALUES (?, ?, ?)`,
			provider, subject, u.ID); err != nil {
			return fmt.Errorf("insert identity %s: %w", provider, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) CreateRefreshSession(ctx context.Context, rs *RefreshSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_sessions (id, user_id, secret_hash, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		rs.ID, rs.UserID, rs.SecretHash, toMillis(rs.CreatedAt), toMillis(rs.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert refresh session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetRefreshSession(ctx context.Context, id string) (*RefreshSession, error) {
	var (
		rs                   RefreshSession
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, secret_hash, created_at, expires_at FROM refresh_sessions WHERE id = ? AND expires_at > ?`,
		id, toMillis(s.now())).Scan(&rs.ID, &rs.UserID, &rs.SecretHash, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh session: %w", err)
	}
	rs.CreatedAt = fromMillis(createdAt)
	rs.ExpiresAt = fromMillis(expiresAt)
	return &rs, nil
}

func (s *SQLiteStorage) DeleteRefreshSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete refresh session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteUserRefreshSessions(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user refresh sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStorage) PutPopupGrant(ctx context.Context, g *PopupGrant) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO popup_grants (window_id, user_id, challenge, code_hash, error, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(window_id) DO UPDATE SET
    user_id = excluded.user_id,
    challenge = excluded.challenge,
    code_hash = excluded.code_hash,
    error = excluded.error,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at`,
		g.WindowID, g.UserID, g.Challenge, g.CodeHash, g.Error, toMillis(g.CreatedAt), toMillis(g.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put popup grant: %w", err)
	}
	return nil
}

func scanGrant(row rowScanner) (*PopupGrant, error) {
	var (
		g                    PopupGrant
		createdAt, expiresAt int64
	)
	err := row.Scan(&g.WindowID, &g.UserID, &g.Challenge, &g.CodeHash, &g.Error, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan popup grant: %w", err)
	}
	g.CreatedAt = fromMillis(createdAt)
	g.ExpiresAt = fromMillis(expiresAt)
	return &g, nil
}

const grantColumns = `window_id, user_id, challenge, code_hash, error, created_at, expires_at`

func (s *SQLiteStorage) GetPopupGrant(ctx context.Context, windowID string) (*PopupGrant, error) {
	return scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM popup_grants WHERE window_id = ? AND expires_at > ?`,
		windowID, toMillis(s.now())))
}

func (s *SQLiteStorage) ConsumePopupGrant(ctx context.Context, windowID string) (*PopupGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`DELETE FROM popup_grants WHERE window_id = ? RETURNING `+grantColumns, windowID))
	if err != nil {
		return nil, err
	}
	if g.Expired(s.now()) {
		return nil, ErrGrantNotFound
	}
	return g, nil
}

func (s *SQLiteStorage) DeleteExpired(ctx context.Context, now time.Time) (Purged, error) {
	var p Purged
	cutoff := toMillis(now)
	for _, t := range []struct {
		table string
		count *int
	}{
		{"refresh_sessions", &p.RefreshSessions},
		{"popup_grants", &p.PopupGrants},
	} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE expires_at <= ?`, cutoff)
		if err != nil {
			return p, fmt.Errorf("delete expired %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		*t.count = int(n)
	}
	return p, nil
}
