package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/pagehook/internal/db"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	sqldb, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqldb.Close() })
	return sqldb
}

func TestSQLBackend_SQLite(t *testing.T) {
	b := NewSQL(openSQLite(t), "local", SQLite)
	require.NoError(t, b.Migrate(context.Background()))
	require.NoError(t, b.Migrate(context.Background()), "migrate is idempotent")

	runBackendContract(t, b)
}

func TestSQLBackend_Rebind(t *testing.T) {
	tests := []struct {
		dialect  Dialect
		query    string
		expected string
	}{
		{Postgres, "a = ? AND b = ?", "a = $1 AND b = $2"},
		{SQLite, "a = ? AND b = ?", "a = ? AND b = ?"},
		{Postgres, "no params", "no params"},
	}
	for _, tt := range tests {
		b := &SQLBackend{dialect: tt.dialect}
		assert.Equal(t, tt.expected, b.rebind(tt.query))
	}
}

func newPostgresMock(t *testing.T) (*SQLBackend, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqldb.Close() })
	return NewSQL(sqldb, "postgres", Postgres), mock
}

func TestSQLBackend_PostgresQueries(t *testing.T) {
	ctx := context.Background()
	b, mock := newPostgresMock(t)

	mock.ExpectPing()
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT record_key, body FROM pagehook_records WHERE collection = $1 AND namespace = $2 AND record_key = $3 ORDER BY record_key`)).
		WithArgs(CollectionWebhooks, "ws_1", "sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"record_key", "body"}).AddRow("sub_1", `{"id":"sub_1"}`))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO pagehook_records (collection, namespace, record_key, body, updated_at)`)).
		WithArgs(CollectionWebhooks, "ws_1", "sub_2", `{"id":"sub_2"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM pagehook_records WHERE collection = $1 AND namespace = $2 AND record_key = $3`)).
		WithArgs(CollectionWebhooks, "ws_1", "sub_2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, b.Probe(ctx))

	items, err := b.Read(ctx, CollectionWebhooks, Filter{Namespace: "ws_1", Key: "sub_1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"id":"sub_1"}`, string(items[0].Value))

	require.NoError(t, b.Write(ctx, CollectionWebhooks, "ws_1", "sub_2", []byte(`{"id":"sub_2"}`)))
	require.NoError(t, b.Delete(ctx, CollectionWebhooks, "ws_1", "sub_2"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_PermissionDenied(t *testing.T) {
	ctx := context.Background()
	b, mock := newPostgresMock(t)

	mock.ExpectExec(`INSERT INTO pagehook_records`).
		WillReturnError(&pgconn.PgError{Code: "42501", Message: "permission denied for table pagehook_records"})
	mock.ExpectQuery(`SELECT record_key, body FROM pagehook_records`).
		WillReturnError(errors.New("connection reset"))

	err := b.Write(ctx, CollectionQueue, "ws_1", "job_1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = b.Read(ctx, CollectionQueue, Filter{Namespace: "ws_1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_ProbeFailure(t *testing.T) {
	b, mock := newPostgresMock(t)
	mock.ExpectPing().WillReturnError(errors.New("dial tcp: connection refused"))

	assert.Error(t, b.Probe(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
