package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"
)

// fixedNow is the clock every repository test runs at.
var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// setupTestDB opens a migrated, named shared in-memory database. The name is
// derived from t.Name() so parallel tests never share state; WAL does not
// apply to memory databases, so journal_mode is omitted.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		url.PathEscape(t.Name()),
	)

	db, err := openPools(context.Background(), dsn, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := RunMigrations(db.Writer); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return db
}
