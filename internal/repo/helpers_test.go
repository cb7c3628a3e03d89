package repo

import (
	"context"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Use a unique in-memory database per test to avoid schema leakage across tests.
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newCase(id, po, line string) *domain.Case {
	return &domain.Case{
		ID:            id,
		PONumber:      po,
		LineID:        line,
		State:         domain.StateInboxLookup,
		Status:        domain.StatusStillAmbiguous,
		MissingFields: domain.NewFieldKeys(domain.AllFieldKeys...),
		Meta:          datatypes.NewJSONType(domain.NewCaseMeta()),
	}
}

func mustCase(t *testing.T, db *gorm.DB, id, po, line string) *domain.Case {
	t.Helper()
	c := newCase(id, po, line)
	if err := CreateCase(context.Background(), db, c); err != nil {
		t.Fatalf("create case %s: %v", id, err)
	}
	return c
}
