package core

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"labflow/internal/infra/persistence/postgres"
	"labflow/internal/infra/persistence/postgres/testutil"
	"labflow/pkg/domain"
)

func TestOpenPersistentStoreDrivers(t *testing.T) {
	engine := NewDefaultRulesEngine()

	mem, err := OpenPersistentStore(StorageOptions{Driver: StorageMemory}, engine)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	_ = mem.Close()

	path := filepath.Join(t.TempDir(), "labflow.db")
	lite, err := OpenPersistentStore(StorageOptions{SQLitePath: path}, engine)
	if err != nil {
		t.Fatalf("sqlite default driver: %v", err)
	}
	svc := NewService(lite, nil)
	created, err := svc.CreateRequest(testContext(t), doctor, draft(domain.UrgencyUrgent))
	if err != nil {
		t.Fatalf("create against sqlite: %v", err)
	}
	if got, err := lite.Get(testContext(t), created.ID); err != nil || got.Urgency != domain.UrgencyUrgent {
		t.Fatalf("sqlite get: %+v %v", got, err)
	}
	_ = lite.Close()

	if _, err := OpenPersistentStore(StorageOptions{Driver: "mongo"}, engine); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}
}

func TestOpenPersistentStorePostgres(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("unexpected driver %s", driverName)
		}
		return db, nil
	})
	defer restore()

	store, err := OpenPersistentStore(StorageOptions{Driver: StoragePostgres, PostgresDSN: "postgres://stub"}, NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	if len(conn.Execs) == 0 {
		t.Fatalf("expected schema statements")
	}

	conn.FailPing = true
	if _, err := OpenPersistentStore(StorageOptions{Driver: StoragePostgres}, NewDefaultRulesEngine()); !errors.Is(err, domain.ErrInfrastructure) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	_ = store
}
