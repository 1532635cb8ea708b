// Package pgtest opens gorm handles for storage tests.
package pgtest

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSNEnv names the variable holding the DSN of a disposable database.
const DSNEnv = "WEBRAG_TEST_POSTGRES_DSN"

var errNoDatabase = errors.New("pgtest: dry run handle has no database")

// noConn satisfies gorm.ConnPool without a server. Dry run statements are
// built but never sent, so none of its methods should be reached.
type noConn struct{}

func (noConn) PrepareContext(context.Context, string) (*sql.Stmt, error) {
	return nil, errNoDatabase
}

func (noConn) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, errNoDatabase
}

func (noConn) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errNoDatabase
}

func (noConn) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return nil
}

// DryRun returns a postgres dialect handle for rendering statements with
// (*gorm.DB).ToSQL.
func DryRun(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: noConn{}}), &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               logger.Discard,
	})
	if err != nil {
		t.Fatalf("failed to open dry run handle: %v", err)
	}
	return db
}

// Open connects to the database named by DSNEnv and skips the test when it is
// unset or unreachable.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skip(DSNEnv + " not set, skipping PostgreSQL test")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Skip("PostgreSQL not available:", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Skip("failed to get sql.DB:", err)
	}
	if err := sqlDB.Ping(); err != nil {
		t.Skip("PostgreSQL not reachable:", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}
