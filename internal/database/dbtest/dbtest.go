// Package dbtest opens the MySQL database used by integration tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/GrammarBot/internal/config"
	"github.com/digkill/GrammarBot/internal/database"
)

// EnvDSN names the variable holding the test database DSN. Tests that need
// MySQL are skipped when it is unset.
const EnvDSN = "MYSQL_TEST_DSN"

var seq atomic.Int64

// Open connects to the test database and applies the schema. The DSN is
// forced to parse timestamps and to allow the multi-statement schema.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	raw := os.Getenv(EnvDSN)
	if raw == "" {
		t.Skipf("%s is not set", EnvDSN)
	}
	dsn, err := mysql.ParseDSN(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", EnvDSN, err)
	}
	dsn.ParseTime = true
	dsn.MultiStatements = true
	dsn.Loc = time.UTC

	db, err := database.Connect(config.Config{MySQLDSN: dsn.FormatDSN()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// UniqueID returns an id no earlier test run has used, for telegram ids,
// kv owners and promo codes.
func UniqueID() int64 {
	return time.Now().UnixNano()/1000 + seq.Add(1)
}
