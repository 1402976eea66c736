package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/blobstore"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/metrics"
	digest "github.com/opencontainers/go-digest"
	"go.uber.org/zap"
)

const (
	// ContentTypeZip is the media type assets are stored and served with.
	ContentTypeZip = "application/zip"

	assetsPrefix = "updates/assets/"
	zipSuffix    = ".zip"

	opStoreNew  = "assets.new"
	opUpload    = "assets.upload"
	opOpen      = "assets.open"
	opReadBack  = "assets.read_back"
	uploadOK    = "stored"
	uploadBad   = "integrity_failed"
	uploadError = "storage_failed"
)

var (
	errMissingBlobs    = errors.New("blob store is required")
	errMissingCatalog  = errors.New("catalog is required")
	errMissingSlug     = errors.New("slug is required")
	errMissingVersion  = errors.New("version is required")
	errEmptyPayload    = errors.New("asset payload is empty")
	errUnknownSlug     = errors.New("slug has not been published")
	errAssetMissing    = errors.New("no stored asset for slug")
	errReadBackMissing = errors.New("stored object could not be read back")
)

// BlobStore is the subset of the blob store used for asset bytes.
type BlobStore interface {
	GetBytes(ctx context.Context, key string) (blobstore.Object, error)
	SetBytes(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, blobstore.Object, error)
}

// Catalog is the subset of the update catalog the asset layer consults.
type Catalog interface {
	Get(ctx context.Context, slug string) (catalog.UpdateMeta, bool, error)
	RecordDigest(ctx context.Context, slug, version, sha256 string) (bool, error)
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Blobs   BlobStore
	Catalog Catalog
	Logger  *zap.Logger
}

// Store writes uploaded assets and reads them back for direct downloads.
type Store struct {
	blobs   BlobStore
	catalog Catalog
	logger  *zap.Logger
}

// UploadResult describes a verified upload.
type UploadResult struct {
	Slug           string `json:"slug"`
	Version        string `json:"version"`
	Size           int64  `json:"size"`
	SHA256         string `json:"sha256"`
	Key            string `json:"key"`
	LatestKey      string `json:"latestKey"`
	DigestRecorded bool   `json:"digestRecorded"`
}

// Asset is an open stored object. SHA256 is the digest of the bytes Body yields.
type Asset struct {
	Body   io.ReadCloser
	Size   int64
	Key    string
	SHA256 string
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Blobs == nil {
		return nil, apperrors.Storage(opStoreNew, "missing_blobs", errMissingBlobs)
	}
	if cfg.Catalog == nil {
		return nil, apperrors.Storage(opStoreNew, "missing_catalog", errMissingCatalog)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: cfg.Blobs, catalog: cfg.Catalog, logger: logger}, nil
}

// Upload writes the versioned object then the latest alias, reads both back and compares digests.
// The catalog digest is recorded only after both copies verify.
func (s *Store) Upload(ctx context.Context, slug, version string, data []byte) (UploadResult, error) {
	slug = strings.TrimSpace(slug)
	version = strings.TrimSpace(version)
	switch {
	case slug == "":
		return UploadResult{}, apperrors.Validation(opUpload, "missing_slug", errMissingSlug)
	case version == "":
		return UploadResult{}, apperrors.Validation(opUpload, "missing_version", errMissingVersion)
	case len(data) == 0:
		return UploadResult{}, apperrors.Validation(opUpload, "empty_payload", errEmptyPayload)
	}

	expected := digest.Canonical.FromBytes(data)
	versionedKey := VersionedKey(slug, version)
	latestKey := LatestKey(slug)

	for _, key := range []string{versionedKey, latestKey} {
		if err := s.blobs.SetBytes(ctx, key, data, ContentTypeZip); err != nil {
			metrics.AssetUploadCounter.WithLabelValues(uploadError).Inc()
			s.logError(opUpload, "write_failed", err, slug, version)
			return UploadResult{}, err
		}
	}
	for _, key := range []string{versionedKey, latestKey} {
		if err := s.verify(ctx, key, expected); err != nil {
			if apperrors.Is(err, apperrors.KindIntegrity) {
				metrics.AssetUploadCounter.WithLabelValues(uploadBad).Inc()
			} else {
				metrics.AssetUploadCounter.WithLabelValues(uploadError).Inc()
			}
			s.logError(opReadBack, "verify_failed", err, slug, version)
			return UploadResult{}, err
		}
	}

	recorded, err := s.catalog.RecordDigest(ctx, slug, version, expected.Encoded())
	if err != nil {
		metrics.AssetUploadCounter.WithLabelValues(uploadError).Inc()
		return UploadResult{}, err
	}

	metrics.AssetUploadCounter.WithLabelValues(uploadOK).Inc()
	s.logger.Info("asset stored",
		zap.String("slug", slug),
		zap.String("version", version),
		zap.Int("size", len(data)),
		zap.String("sha256", expected.Encoded()))
	return UploadResult{
		Slug:           slug,
		Version:        version,
		Size:           int64(len(data)),
		SHA256:         expected.Encoded(),
		Key:            versionedKey,
		LatestKey:      latestKey,
		DigestRecorded: recorded,
	}, nil
}

func (s *Store) verify(ctx context.Context, key string, expected digest.Digest) error {
	object, err := s.blobs.GetBytes(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return apperrors.Integrity(opReadBack, "missing_object", fmt.Errorf("%s: %w", key, errReadBackMissing))
	}
	if err != nil {
		return err
	}
	actual := digest.Canonical.FromBytes(object.Data)
	if actual != expected {
		return apperrors.Integrity(opReadBack, "digest_mismatch",
			fmt.Errorf("%s: expected %s, read back %s (%d bytes)", key, expected, actual, len(object.Data)))
	}
	return nil
}

// OpenLatest opens the latest alias for the slug. When the alias is missing the versioned object of
// the catalog's current version is used instead.
func (s *Store) OpenLatest(ctx context.Context, slug string) (Asset, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Asset{}, apperrors.Validation(opOpen, "missing_slug", errMissingSlug)
	}
	asset, err := s.open(ctx, LatestKey(slug))
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return Asset{}, err
	}

	meta, found, err := s.catalog.Get(ctx, slug)
	if err != nil {
		return Asset{}, err
	}
	if !found {
		return Asset{}, apperrors.NotFound(opOpen, "unknown_slug", errUnknownSlug)
	}
	asset, err = s.open(ctx, VersionedKey(slug, meta.Version))
	if errors.Is(err, blobstore.ErrNotFound) {
		return Asset{}, apperrors.NotFound(opOpen, "asset_missing", errAssetMissing)
	}
	return asset, err
}

func (s *Store) open(ctx context.Context, key string) (Asset, error) {
	body, object, err := s.blobs.Open(ctx, key)
	if err != nil {
		return Asset{}, err
	}
	return Asset{
		Body:   body,
		Size:   int64(len(object.Data)),
		Key:    key,
		SHA256: digest.Canonical.FromBytes(object.Data).Encoded(),
	}, nil
}

// ObjectReader reads stored objects by key.
type ObjectReader interface {
	GetBytes(ctx context.Context, key string) (blobstore.Object, error)
}

// VersionDigests reports the digest of the stored object for one version of a slug.
type VersionDigests struct {
	blobs ObjectReader
}

// NewVersionDigests returns a VersionDigests reading from blobs.
func NewVersionDigests(blobs ObjectReader) *VersionDigests {
	return &VersionDigests{blobs: blobs}
}

// VersionDigest returns the sha256 of the versioned object. The boolean is false when no object is
// stored for the version.
func (v *VersionDigests) VersionDigest(ctx context.Context, slug, version string) (string, bool, error) {
	object, err := v.blobs.GetBytes(ctx, VersionedKey(strings.TrimSpace(slug), strings.TrimSpace(version)))
	if errors.Is(err, blobstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return digest.Canonical.FromBytes(object.Data).Encoded(), true, nil
}

// LatestKey is the alias key always holding the most recent upload for the slug.
func LatestKey(slug string) string {
	return assetsPrefix + url.PathEscape(slug) + zipSuffix
}

// VersionedKey is the immutable-by-convention key for one version of the slug.
func VersionedKey(slug, version string) string {
	return assetsPrefix + url.PathEscape(slug) + "/" + url.PathEscape(version) + zipSuffix
}

func (s *Store) logError(operation, reason string, err error, slug, version string) {
	s.logger.Error("asset store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("slug", slug),
		zap.String("version", version),
		zap.Error(err))
}
