// Package postgres provides the PostgreSQL request store. Rows are written
// with version-conditional updates through the shared sqlstore layer so
// concurrent service instances never overwrite each other.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"labflow/internal/infra/persistence/sqlstore"
	"labflow/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost:5432/labflow?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.RWMutex
)

// Store persists requests in PostgreSQL.
type Store struct {
	*sqlstore.Store
}

// NewStore connects to dsn, verifies the connection and applies the schema.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.RLock()
	opener := sqlOpen
	openMu.RUnlock()
	db, err := opener(defaultDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.Infrastructure("postgres: ping", err)
	}
	store := sqlstore.New(db, sqlstore.Postgres, engine)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store}, nil
}

// OverrideSQLOpen swaps the database opener, returning a restore func.
// Tests use it to substitute a stub driver.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}
