package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// ContentTypeJSON marks documents written through SetJSON.
	ContentTypeJSON = "application/json"
	// ContentTypeBinary is used when a caller does not name a content type.
	ContentTypeBinary = "application/octet-stream"

	opStoreNew = "blobstore.new"
	opGet      = "blobstore.get"
	opSet      = "blobstore.set"
	opList     = "blobstore.list"
	opDelete   = "blobstore.delete"
	opDecode   = "blobstore.decode"

	queryStoreKey    = "store_name = ? AND object_key = ?"
	queryStorePrefix = "store_name = ? AND object_key LIKE ? ESCAPE '\\'"
)

var (
	// ErrNotFound reports a key with no stored object.
	ErrNotFound = errors.New("blobstore: object not found")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingStoreName = errors.New("store name is required")
	errMissingKey       = errors.New("object key is required")
)

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Name     string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists JSON and binary objects under one store name.
type Store struct {
	db     *gorm.DB
	name   string
	clock  func() time.Time
	logger *zap.Logger
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperrors.Storage(opStoreNew, "missing_database", errMissingDatabase)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, apperrors.Storage(opStoreNew, "missing_store_name", errMissingStoreName)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, name: name, clock: clock, logger: logger}, nil
}

// Name returns the store name the keys are scoped to.
func (s *Store) Name() string {
	return s.name
}

// GetBytes loads the object stored at key. It returns ErrNotFound when the key is absent.
func (s *Store) GetBytes(ctx context.Context, key string) (Object, error) {
	if key == "" {
		return Object{}, apperrors.Storage(opGet, "missing_key", errMissingKey)
	}
	var object Object
	err := s.db.WithContext(ctx).Where(queryStoreKey, s.name, key).Take(&object).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("key", key))
		return Object{}, apperrors.Storage(opGet, "query_failed", err)
	}
	return object, nil
}

// Open returns a reader over the object's bytes together with its size.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	object, err := s.GetBytes(ctx, key)
	if err != nil {
		return nil, Object{}, err
	}
	return io.NopCloser(bytes.NewReader(object.Data)), object, nil
}

// SetBytes writes data at key, replacing any previous value.
func (s *Store) SetBytes(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return apperrors.Storage(opSet, "missing_key", errMissingKey)
	}
	if contentType == "" {
		contentType = ContentTypeBinary
	}
	if data == nil {
		data = []byte{}
	}
	object := Object{
		StoreName:   s.name,
		Key:         key,
		ContentType: contentType,
		Data:        data,
		Size:        int64(len(data)),
		UpdatedAt:   s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "store_name"}, {Name: "object_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_type", "data", "size_bytes", "updated_at"}),
		}).
		Create(&object).Error
	if err != nil {
		s.logError(opSet, "upsert_failed", err, zap.String("key", key))
		return apperrors.Storage(opSet, "upsert_failed", err)
	}
	return nil
}

// GetJSON decodes the document at key into out. The boolean is false when the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	object, err := s.GetBytes(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(object.Data, out); err != nil {
		s.logError(opDecode, "invalid_json", err, zap.String("key", key))
		return false, apperrors.Storage(opDecode, "invalid_json", fmt.Errorf("%s: %w", key, err))
	}
	return true, nil
}

// SetJSON encodes value and writes it at key.
func (s *Store) SetJSON(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return apperrors.Storage(opSet, "encode_failed", err)
	}
	return s.SetBytes(ctx, key, encoded, ContentTypeJSON)
}

// List returns the keys starting with prefix in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&Object{}).
		Where(queryStorePrefix, s.name, escapeLike(prefix)+"%").
		Order("object_key ASC").
		Pluck("object_key", &keys).Error
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("prefix", prefix))
		return nil, apperrors.Storage(opList, "query_failed", err)
	}
	return keys, nil
}

// Delete removes the object at key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where(queryStoreKey, s.name, key).Delete(&Object{}).Error
	if err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("key", key))
		return apperrors.Storage(opDelete, "delete_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("store", s.name),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("blob store error", attrs...)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
