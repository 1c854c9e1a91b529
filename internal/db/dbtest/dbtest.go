// Package dbtest starts a disposable PostgreSQL for integration tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/onnwee/vidcredit/internal/db"
)

// Open returns a migrated database for the test.
//
// DATABASE_URL is used when set; otherwise a postgres container is started
// and terminated when the test finishes.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("vidcredit"),
			tcpostgres.WithUsername("vidcredit"),
			tcpostgres.WithPassword("vidcredit"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(container); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %v", err)
		}
	}

	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.Migrate(dsn, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	reset(t, conn)
	return conn
}

func reset(t *testing.T, conn *sql.DB) {
	t.Helper()
	_, err := conn.Exec(`TRUNCATE ownership_corrections, review_queue, transactions, generations, purchases, accounts, inbound_events, audit_logs`)
	if err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
}
