package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testDocument struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T, name string) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "blobs.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Object{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := New(Config{
		Database: db,
		Name:     name,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, db
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	if _, err := New(Config{Name: "kiteadmin"}); err == nil {
		t.Fatalf("expected error for missing database")
	}
	_, db := newTestStore(t, "kiteadmin")
	if _, err := New(Config{Database: db, Name: "  "}); err == nil {
		t.Fatalf("expected error for blank store name")
	}
}

func TestJSONRoundTripAndOverwrite(t *testing.T) {
	store, _ := newTestStore(t, "kiteadmin")
	ctx := context.Background()

	var missing testDocument
	found, err := store.GetJSON(ctx, "updates/plug-x.json", &missing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected missing document")
	}

	if err := store.SetJSON(ctx, "updates/plug-x.json", testDocument{Name: "first", Count: 1}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.SetJSON(ctx, "updates/plug-x.json", testDocument{Name: "second", Count: 2}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	var loaded testDocument
	found, err = store.GetJSON(ctx, "updates/plug-x.json", &loaded)
	if err != nil || !found {
		t.Fatalf("expected stored document, found=%v err=%v", found, err)
	}
	if loaded != (testDocument{Name: "second", Count: 2}) {
		t.Fatalf("expected last write to win, got %#v", loaded)
	}
}

func TestGetJSONReportsCorruptDocumentAsStorageError(t *testing.T) {
	store, _ := newTestStore(t, "kiteadmin")
	ctx := context.Background()
	if err := store.SetBytes(ctx, "inventory/site.json", []byte("{not json"), ContentTypeJSON); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	var doc testDocument
	_, err := store.GetJSON(ctx, "inventory/site.json", &doc)
	if !apperrors.Is(err, apperrors.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestBinaryRoundTripPreservesBytes(t *testing.T) {
	store, _ := newTestStore(t, "kiteadmin")
	ctx := context.Background()

	large := bytes.Repeat([]byte{0x00, 0xff, 0x10, 0x7f}, 300*1024)
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "single-byte", data: []byte{0x00}},
		{name: "large", data: large},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			key := "updates/assets/" + tt.name + ".zip"
			if err := store.SetBytes(ctx, key, tt.data, "application/zip"); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			reader, object, err := store.Open(ctx, key)
			if err != nil {
				t.Fatalf("open failed: %v", err)
			}
			defer reader.Close()
			readBack, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if !bytes.Equal(readBack, tt.data) {
				t.Fatalf("read-back mismatch: got %d bytes, want %d", len(readBack), len(tt.data))
			}
			if object.Size != int64(len(tt.data)) {
				t.Fatalf("unexpected size %d", object.Size)
			}
			if object.ContentType != "application/zip" {
				t.Fatalf("unexpected content type %q", object.ContentType)
			}
		})
	}
}

func TestGetBytesReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t, "kiteadmin")
	_, err := store.GetBytes(context.Background(), "updates/assets/none.zip")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListScopesByPrefixAndStoreName(t *testing.T) {
	store, db := newTestStore(t, "kiteadmin")
	other, err := New(Config{Database: db, Name: "other"})
	if err != nil {
		t.Fatalf("failed to create second store: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{
		"registrations/b/plug.json",
		"registrations/a/plug.json",
		"registrations_extra/x.json",
		"updates/plug.json",
		"registrations%/literal.json",
	} {
		if err := store.SetJSON(ctx, key, testDocument{Name: key}); err != nil {
			t.Fatalf("set %s failed: %v", key, err)
		}
	}
	if err := other.SetJSON(ctx, "registrations/c/plug.json", testDocument{}); err != nil {
		t.Fatalf("set in other store failed: %v", err)
	}

	keys, err := store.List(ctx, "registrations/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"registrations/a/plug.json", "registrations/b/plug.json"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("unexpected keys: got %v, want %v", keys, want)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, "kiteadmin")
	ctx := context.Background()
	if err := store.SetJSON(ctx, "registrations/a/plug.json", testDocument{}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Delete(ctx, "registrations/a/plug.json"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "registrations/a/plug.json"); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if _, err := store.GetBytes(ctx, "registrations/a/plug.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected key to be gone, got %v", err)
	}
}

func TestClosedDatabaseSurfacesStorageError(t *testing.T) {
	store, db := newTestStore(t, "kiteadmin")
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	_ = sqlDB.Close()

	err = store.SetJSON(context.Background(), "updates/plug.json", testDocument{})
	if !apperrors.Is(err, apperrors.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
