package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/blobstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestQueryLoggerRoutesThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "query.db"), zap.New(core))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	logs.TakeAll()

	var object blobstore.Object
	err = db.Where("store_name = ? AND object_key = ?", "kiteadmin", "missing").Take(&object).Error
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
	if entries := logs.FilterMessage("database query").Len(); entries != 0 {
		t.Fatalf("absent rows must not be logged, got %d entries", entries)
	}

	if err := db.Exec("SELECT * FROM no_such_table").Error; err == nil {
		t.Fatalf("expected query against a missing table to fail")
	}
	failed := logs.FilterMessage("database query").All()
	if len(failed) != 1 {
		t.Fatalf("expected one logged query failure, got %d", len(failed))
	}
	if failed[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", failed[0].Level)
	}
}
