// Package migratetest opens migrated in-memory sqlite databases for tests.
package migratetest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/angelmondragon/painsync/pkg/config"
	"github.com/angelmondragon/painsync/pkg/db"
	"github.com/angelmondragon/painsync/pkg/migrate"
	"gorm.io/driver/sqlite"
)

// NewClient returns a db.Client over a private in-memory sqlite database with
// every migration applied. The database is closed when the test ends.
func NewClient(t testing.TB) *db.Client {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := db.Open(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate.Up(context.Background(), sqlDB, config.DriverSQLite); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	client := db.NewFromGorm(conn)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
