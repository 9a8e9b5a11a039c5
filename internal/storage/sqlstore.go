package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLDriver selects which database/sql driver NewSQLOpener registers
// against. Grounded on the teacher's NewCockroachStoresFromDSN (a single
// sql.Open("postgres", dsn) entry point); this repo adds a sqlite
// driver choice alongside it since spec §4.Z calls for an embedded
// alternate backend, not only a network database.
type SQLDriver string

const (
	DriverSQLite   SQLDriver = "sqlite"
	DriverPostgres SQLDriver = "postgres"
)

// SQLOpener is the alternate Storage Port backend: one shared table per
// namespace, `(key TEXT PRIMARY KEY, value BLOB)`, one *sql.DB shared
// across namespaces. Durability comes from the underlying engine's own
// commit guarantees rather than an explicit fsync call, same posture as
// the teacher's cockroach-backed stores.
type SQLOpener struct {
	db     *sql.DB
	driver SQLDriver
}

// NewSQLOpener opens dsn with the given driver and verifies
// connectivity with a ping, mirroring the teacher's
// NewCockroachStoresFromDSN connect-then-ping sequence.
func NewSQLOpener(ctx context.Context, driver SQLDriver, dsn string) (*SQLOpener, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage: dsn is required")
	}
	driverName := "sqlite"
	if driver == DriverPostgres {
		driverName = "postgres"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}
	return &SQLOpener{db: db, driver: driver}, nil
}

func (o *SQLOpener) Close() error { return o.db.Close() }

func (o *SQLOpener) Open(namespace string) (Store, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("storage: namespace is required")
	}
	table := sanitizeTableName(namespace)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BLOB NOT NULL)`, table)
	if _, err := o.db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("storage: create namespace table: %w", err)
	}
	return &sqlStore{db: o.db, driver: o.driver, table: table}, nil
}

// sanitizeTableName maps a namespace to a safe SQL identifier. Namespace
// names in this codebase are always compile-time string literals
// ("sessions", "tenants", "policies", ...), never user input, but this
// keeps the generated DDL free of anything that isn't alphanumeric or
// underscore regardless.
func sanitizeTableName(namespace string) string {
	var b strings.Builder
	b.WriteString("store_")
	for _, r := range namespace {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

type sqlStore struct {
	db     *sql.DB
	driver SQLDriver
	table  string
}

func (s *sqlStore) placeholder(n int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *sqlStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("storage: key is required")
	}
	var q string
	if s.driver == DriverPostgres {
		q = fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.table)
	} else {
		q = fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, s.table)
	}
	_, err := s.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return fmt.Errorf("storage: put: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, error) {
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = %s`, s.table, s.placeholder(1))
	var value []byte
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	return value, nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = %s`, s.table, s.placeholder(1))
	res, err := s.db.ExecContext(ctx, q, key)
	if err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Scan(ctx context.Context, prefix string) (func(yield func(Entry) bool), error) {
	q := fmt.Sprintf(`SELECT key, value FROM %s WHERE key LIKE %s ESCAPE '\' ORDER BY key`, s.table, s.placeholder(1))
	like := strings.ReplaceAll(strings.ReplaceAll(prefix, "%", "\\%"), "_", "\\_") + "%"
	rows, err := s.db.QueryContext(ctx, q, like)
	if err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan rows: %w", err)
	}

	return func(yield func(Entry) bool) {
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}, nil
}
