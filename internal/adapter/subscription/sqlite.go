package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"plugbot/internal/domain"
)

// SQLiteStore keeps subscriptions in a SQLite database.
type SQLiteStore struct {
	clock
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open subscription db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate subscription db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			identity   TEXT PRIMARY KEY,
			plan       TEXT NOT NULL DEFAULT 'premium',
			started_at TEXT NOT NULL DEFAULT '',
			expires_at TEXT NOT NULL DEFAULT '',
			revoked    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, id domain.Identity) (*domain.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT identity, plan, started_at, expires_at, revoked FROM subscriptions WHERE identity = ?", string(id),
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return sub, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sub domain.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (identity, plan, started_at, expires_at, revoked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			plan = excluded.plan,
			started_at = excluded.started_at,
			expires_at = excluded.expires_at,
			revoked = excluded.revoked,
			updated_at = excluded.updated_at`,
		string(sub.Identity), sub.Plan, formatTime(sub.StartedAt), formatTime(sub.ExpiresAt),
		boolInt(sub.Revoked), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id domain.Identity) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE identity = ?", string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteStore.Delete", domain.ErrNotFound, string(id))
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity, plan, started_at, expires_at, revoked FROM subscriptions ORDER BY identity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*domain.Subscription, error) {
	var (
		sub                  domain.Subscription
		id, started, expires string
		revoked              int
	)
	if err := row.Scan(&id, &sub.Plan, &started, &expires, &revoked); err != nil {
		return nil, err
	}
	sub.Identity = domain.Identity(id)
	sub.StartedAt = parseTime(started)
	sub.ExpiresAt = parseTime(expires)
	sub.Revoked = revoked != 0
	return &sub, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
