package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/blobstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsLegacyObjects(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&blobstore.Object{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := []blobstore.Object{
		{StoreName: "kiteadmin", Key: "updates/plug-x.json", Data: []byte(`{"slug":"plug-x"}`), UpdatedAt: time.Unix(1, 0)},
		{StoreName: "kiteadmin", Key: "updates/assets/plug-x.zip", ContentType: "application/zip", Data: []byte{1, 2, 3}, UpdatedAt: time.Unix(1, 0)},
	}
	for index := range legacy {
		if err := database.Create(&legacy[index]).Error; err != nil {
			testContext.Fatalf("failed to insert legacy object: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var document blobstore.Object
	if err := database.Where("object_key = ?", "updates/plug-x.json").Take(&document).Error; err != nil {
		testContext.Fatalf("failed to reload document: %v", err)
	}
	if document.ContentType != blobstore.ContentTypeJSON {
		testContext.Fatalf("expected json content type backfill, got %q", document.ContentType)
	}
	if document.Size != int64(len(`{"slug":"plug-x"}`)) {
		testContext.Fatalf("expected size backfill, got %d", document.Size)
	}

	var asset blobstore.Object
	if err := database.Where("object_key = ?", "updates/assets/plug-x.zip").Take(&asset).Error; err != nil {
		testContext.Fatalf("failed to reload asset: %v", err)
	}
	if asset.ContentType != "application/zip" || asset.Size != 3 {
		testContext.Fatalf("unexpected asset row after migration: %#v", asset)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected two migration records, got %d", len(records))
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-running migrations failed: %v", err)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteCreatesBlobSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "kiteadmin.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if !database.Migrator().HasTable(&blobstore.Object{}) {
		testContext.Fatalf("expected blob_objects table")
	}
}
