package schwab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLTokenStorage keeps credentials in a key/value table. It works with the
// pure Go sqlite driver and with PostgreSQL.
type SQLTokenStorage struct {
	db      *sql.DB
	dialect string
}

func sqlDriverName(dialect string) string {
	if dialect == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

// NewSQLTokenStorage creates the table if it does not exist. dialect is
// "sqlite" or "postgres".
func NewSQLTokenStorage(db *sql.DB, dialect string) (*SQLTokenStorage, error) {
	s := &SQLTokenStorage{db: db, dialect: dialect}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLTokenStorage) migrate(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS schwab_tokens (
		token_key  TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return storeUnavailable("create token table", err)
	}
	return nil
}

// placeholders returns positional parameter markers for the dialect.
func (s *SQLTokenStorage) placeholders() (string, string, string) {
	if s.dialect == "postgres" {
		return "$1", "$2", "$3"
	}
	return "?", "?", "?"
}

func (s *SQLTokenStorage) SaveToken(ctx context.Context, key string, cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	p1, p2, p3 := s.placeholders()
	query := fmt.Sprintf(`INSERT INTO schwab_tokens (token_key, value, updated_at) VALUES (%s, %s, %s)
		ON CONFLICT (token_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, p1, p2, p3)
	if _, err := s.db.ExecContext(ctx, query, key, string(data), time.Now().UTC()); err != nil {
		return storeUnavailable("save token row", err)
	}
	return nil
}

func (s *SQLTokenStorage) LoadToken(ctx context.Context, key string) (*Credential, error) {
	p1, _, _ := s.placeholders()
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM schwab_tokens WHERE token_key = "+p1, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token row %s: %w", key, ErrTokenNotFound)
		}
		return nil, storeUnavailable("load token row", err)
	}
	return decodeCredential([]byte(value))
}

// Close closes the underlying database.
func (s *SQLTokenStorage) Close() error {
	return s.db.Close()
}
