package catalog

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

const (
	updatesPrefix = "updates/"
	jsonSuffix    = ".json"

	// DownloadPath is the route clients fetch assets from.
	DownloadPath = "/api/updates/download"

	opCatalogNew   = "catalog.new"
	opPublish      = "catalog.publish"
	opGet          = "catalog.get"
	opCheck        = "catalog.check"
	opRecordDigest = "catalog.record_digest"
)

var (
	errMissingStore       = errors.New("store is required")
	errMissingSlug        = errors.New("slug is required")
	errMissingVersion     = errors.New("version is required")
	errMissingAssetAPIURL = errors.New("assetApiUrl is required")
	errUnknownSlug        = errors.New("slug has not been published")
)

// Store is the subset of the blob store the catalog persists through.
type Store interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, value any) error
}

// UpdateMeta is the current published release of a plugin.
type UpdateMeta struct {
	Slug        string    `json:"slug"`
	Version     string    `json:"version"`
	URL         string    `json:"url"`
	Changelog   string    `json:"changelog,omitempty"`
	AssetAPIURL string    `json:"assetApiUrl"`
	SHA256      string    `json:"sha256,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PublishRequest carries the publisher's release metadata.
type PublishRequest struct {
	Slug        string
	Version     string
	URL         string
	Changelog   string
	AssetAPIURL string
}

// CheckResult is returned to sites polling for updates. DownloadURL is derived per request.
type CheckResult struct {
	Slug            string `json:"slug"`
	Version         string `json:"version"`
	URL             string `json:"url"`
	Changelog       string `json:"changelog,omitempty"`
	DownloadURL     string `json:"downloadUrl"`
	Download        string `json:"download"`
	SHA256          string `json:"sha256,omitempty"`
	UpdateAvailable *bool  `json:"updateAvailable,omitempty"`
}

// DigestSource reports the digest of an already stored asset for a version.
type DigestSource interface {
	VersionDigest(ctx context.Context, slug, version string) (string, bool, error)
}

// Config describes the dependencies of a Catalog. Digests is optional; without it a digest only
// survives a republish of the same version.
type Config struct {
	Store   Store
	Digests DigestSource
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Catalog stores one UpdateMeta per slug.
type Catalog struct {
	store   Store
	digests DigestSource
	clock   func() time.Time
	logger  *zap.Logger
}

// New validates the configuration and returns a Catalog.
func New(cfg Config) (*Catalog, error) {
	if cfg.Store == nil {
		return nil, apperrors.Storage(opCatalogNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{store: cfg.Store, digests: cfg.Digests, clock: clock, logger: logger}, nil
}

// Publish overwrites the slug's record. When an asset for the version was uploaded before the
// publish, its digest is carried onto the record. A digest recorded for the same version survives a
// republish; otherwise a new version starts without one until its upload succeeds.
func (c *Catalog) Publish(ctx context.Context, request PublishRequest) (UpdateMeta, error) {
	slug := strings.TrimSpace(request.Slug)
	version := strings.TrimSpace(request.Version)
	assetAPIURL := strings.TrimSpace(request.AssetAPIURL)
	switch {
	case slug == "":
		return UpdateMeta{}, apperrors.Validation(opPublish, "missing_slug", errMissingSlug)
	case version == "":
		return UpdateMeta{}, apperrors.Validation(opPublish, "missing_version", errMissingVersion)
	case assetAPIURL == "":
		return UpdateMeta{}, apperrors.Validation(opPublish, "missing_asset_api_url", errMissingAssetAPIURL)
	}

	previous, found, err := c.Get(ctx, slug)
	if err != nil {
		return UpdateMeta{}, err
	}

	meta := UpdateMeta{
		Slug:        slug,
		Version:     version,
		URL:         strings.TrimSpace(request.URL),
		Changelog:   request.Changelog,
		AssetAPIURL: assetAPIURL,
		CreatedAt:   c.clock().UTC(),
	}
	if c.digests != nil {
		sum, stored, err := c.digests.VersionDigest(ctx, slug, version)
		if err != nil {
			c.logError(opPublish, "digest_lookup_failed", err, slug)
			return UpdateMeta{}, err
		}
		if stored {
			meta.SHA256 = sum
		}
	}
	if meta.SHA256 == "" && found && previous.Version == version {
		meta.SHA256 = previous.SHA256
	}

	if err := c.store.SetJSON(ctx, metaKey(slug), meta); err != nil {
		c.logError(opPublish, "write_failed", err, slug)
		return UpdateMeta{}, err
	}
	c.logger.Info("update published", zap.String("slug", slug), zap.String("version", version))
	return meta, nil
}

// Get returns the current record for the slug.
func (c *Catalog) Get(ctx context.Context, slug string) (UpdateMeta, bool, error) {
	var meta UpdateMeta
	found, err := c.store.GetJSON(ctx, metaKey(slug), &meta)
	if err != nil {
		c.logError(opGet, "read_failed", err, slug)
		return UpdateMeta{}, false, err
	}
	return meta, found, nil
}

// Check reports the published release for the slug. installedVersion is optional; when given the
// result says whether the published version is newer.
func (c *Catalog) Check(ctx context.Context, slug, installedVersion, baseURL string) (CheckResult, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return CheckResult{}, apperrors.Validation(opCheck, "missing_slug", errMissingSlug)
	}
	meta, found, err := c.Get(ctx, slug)
	if err != nil {
		return CheckResult{}, err
	}
	if !found {
		return CheckResult{}, apperrors.NotFound(opCheck, "unknown_slug", errUnknownSlug)
	}

	result := CheckResult{
		Slug:        slug,
		Version:     meta.Version,
		URL:         meta.URL,
		Changelog:   meta.Changelog,
		DownloadURL: DownloadURL(baseURL, slug),
		SHA256:      meta.SHA256,
	}
	// Installed plugins released before downloadUrl read the "download" field.
	result.Download = result.DownloadURL
	if installed := strings.TrimSpace(installedVersion); installed != "" {
		available := IsNewer(meta.Version, installed)
		result.UpdateAvailable = &available
	}
	return result, nil
}

// RecordDigest stores the sha256 of a verified upload when the published version matches.
func (c *Catalog) RecordDigest(ctx context.Context, slug, version, sha256 string) (bool, error) {
	meta, found, err := c.Get(ctx, slug)
	if err != nil {
		return false, err
	}
	if !found || meta.Version != version {
		return false, nil
	}
	meta.SHA256 = sha256
	if err := c.store.SetJSON(ctx, metaKey(slug), meta); err != nil {
		c.logError(opRecordDigest, "write_failed", err, slug)
		return false, err
	}
	return true, nil
}

// DownloadURL builds the download locator for a slug under baseURL.
func DownloadURL(baseURL, slug string) string {
	query := url.Values{}
	query.Set("slug", slug)
	return strings.TrimRight(baseURL, "/") + DownloadPath + "?" + query.Encode()
}

// IsNewer reports whether published is a later version than installed. Versions that are not
// semantic versions are compared for inequality only.
func IsNewer(published, installed string) bool {
	canonicalPublished := canonicalVersion(published)
	canonicalInstalled := canonicalVersion(installed)
	if semver.IsValid(canonicalPublished) && semver.IsValid(canonicalInstalled) {
		return semver.Compare(canonicalPublished, canonicalInstalled) > 0
	}
	return strings.TrimSpace(published) != strings.TrimSpace(installed)
}

func canonicalVersion(version string) string {
	trimmed := strings.TrimSpace(version)
	if trimmed != "" && !strings.HasPrefix(trimmed, "v") {
		trimmed = "v" + trimmed
	}
	return trimmed
}

func metaKey(slug string) string {
	return updatesPrefix + url.PathEscape(slug) + jsonSuffix
}

func (c *Catalog) logError(operation, reason string, err error, slug string) {
	c.logger.Error("catalog error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("slug", slug),
		zap.Error(err))
}
