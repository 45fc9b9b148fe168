package secrets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteManager keeps secrets in plaintext in the server's sqlite database.
// It suits single-host setups; use OpenBao when the database file is not
// trusted.
type SqliteManager struct {
	db        *sql.DB
	tableName string
}

type SqliteManagerOpt func(*SqliteManager)

func WithTableName(name string) SqliteManagerOpt {
	return func(s *SqliteManager) {
		s.tableName = name
	}
}

func NewSQLiteManager(dbPath string, opts ...SqliteManagerOpt) (*SqliteManager, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// every pooled connection to :memory: would be its own database
	db.SetMaxOpenConns(1)

	m := &SqliteManager{db: db, tableName: "secrets"}
	for _, o := range opts {
		o(m)
	}

	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s table: %w", m.tableName, err)
	}

	return m, nil
}

func (s *SqliteManager) migrate() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		create table if not exists %s (
			id integer primary key autoincrement,
			scope text not null,
			key text not null,
			value text not null,
			created_at text not null,
			created_by text not null,

			unique(scope, key)
		);
	`, s.tableName))
	return err
}

func (s *SqliteManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	createdAt := secret.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`insert or ignore into %s (scope, key, value, created_at, created_by) values (?, ?, ?, ?, ?)`, s.tableName),
		secret.Scope, secret.Key, secret.Value, createdAt.UTC().Format(time.RFC3339), secret.CreatedBy,
	)
	if err != nil {
		return err
	}

	return expectOneRow(res, ErrKeyAlreadyPresent)
}

func (s *SqliteManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where scope = ? and key = ?`, s.tableName),
		secret.Scope, secret.Key,
	)
	if err != nil {
		return err
	}

	return expectOneRow(res, ErrKeyNotFound)
}

func expectOneRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func (s *SqliteManager) GetSecretsLocked(ctx context.Context, scope Scope) ([]LockedSecret, error) {
	unlocked, err := s.GetSecretsUnlocked(ctx, scope)
	if err != nil {
		return nil, err
	}
	return Lock(unlocked), nil
}

func (s *SqliteManager) GetSecretsUnlocked(ctx context.Context, scope Scope) ([]UnlockedSecret, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`select scope, key, value, created_at, created_by from %s where scope = ? order by key`, s.tableName),
		scope,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnlockedSecret
	for rows.Next() {
		var (
			sec       UnlockedSecret
			createdAt string
		)
		if err := rows.Scan(&sec.Scope, &sec.Key, &sec.Value, &createdAt, &sec.CreatedBy); err != nil {
			return nil, err
		}
		sec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, sec)
	}

	return out, rows.Err()
}

func (s *SqliteManager) Close() error {
	return s.db.Close()
}
