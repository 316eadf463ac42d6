package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Dialect selects placeholder style and DDL
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

const insufficientPrivilege = "42501"

// SQLBackend stores records in a single table keyed by collection, namespace and key
type SQLBackend struct {
	db      *sql.DB
	name    string
	dialect Dialect
}

func NewSQL(db *sql.DB, name string, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, name: name, dialect: dialect}
}

func (b *SQLBackend) Name() string { return b.name }

// Migrate creates the records table when missing
func (b *SQLBackend) Migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if b.dialect == SQLite {
		ts = "TIMESTAMP"
	}
	ddl := `CREATE TABLE IF NOT EXISTS pagehook_records (
	collection TEXT NOT NULL,
	namespace  TEXT NOT NULL,
	record_key TEXT NOT NULL,
	body       TEXT NOT NULL,
	updated_at ` + ts + ` NOT NULL,
	PRIMARY KEY (collection, namespace, record_key)
)`
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return b.classify(fmt.Errorf("migrate %s: %w", b.name, err))
	}
	return nil
}

func (b *SQLBackend) Probe(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return b.classify(err)
	}
	return nil
}

func (b *SQLBackend) Read(ctx context.Context, collection string, f Filter) ([]Item, error) {
	q := `SELECT record_key, body FROM pagehook_records WHERE collection = ? AND namespace = ?`
	args := []any{collection, f.Namespace}
	if f.Key != "" {
		q += ` AND record_key = ?`
		args = append(args, f.Key)
	}
	q += ` ORDER BY record_key`

	rows, err := b.db.QueryContext(ctx, b.rebind(q), args...)
	if err != nil {
		return nil, b.classify(err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		items = append(items, Item{Key: key, Value: []byte(body)})
	}
	if err := rows.Err(); err != nil {
		return nil, b.classify(err)
	}
	return items, nil
}

func (b *SQLBackend) Write(ctx context.Context, collection, namespace, key string, value []byte) error {
	q := `INSERT INTO pagehook_records (collection, namespace, record_key, body, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (collection, namespace, record_key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	_, err := b.db.ExecContext(ctx, b.rebind(q), collection, namespace, key, string(value), time.Now().UTC())
	return b.classify(err)
}

func (b *SQLBackend) Delete(ctx context.Context, collection, namespace, key string) error {
	q := `DELETE FROM pagehook_records WHERE collection = ? AND namespace = ? AND record_key = ?`
	_, err := b.db.ExecContext(ctx, b.rebind(q), collection, namespace, key)
	return b.classify(err)
}

// rebind rewrites ? placeholders to $n for Postgres
func (b *SQLBackend) rebind(q string) string {
	if b.dialect != Postgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// classify maps driver permission failures onto ErrUnauthorized
func (b *SQLBackend) classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == insufficientPrivilege {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && (liteErr.Code == sqlite3.ErrPerm || liteErr.Code == sqlite3.ErrReadonly || liteErr.Code == sqlite3.ErrAuth) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}
