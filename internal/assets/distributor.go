package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/metrics"
	"go.uber.org/zap"
)

// Source selects which strategies a Distributor may use.
type Source string

const (
	// SourceAuto serves stored assets and proxies the release host for anything not stored.
	SourceAuto     Source = "auto"
	SourceStore    Source = "store"
	SourceUpstream Source = "upstream"

	opDistributorNew = "assets.distributor.new"
	opDownload       = "assets.download"
)

var (
	errMissingStrategy = errors.New("strategy is required for the configured source")
	errUnknownSource   = errors.New("unknown asset source")
)

// ParseSource validates a configured source name. The empty string selects SourceAuto.
func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SourceAuto:
		return SourceAuto, nil
	case SourceStore:
		return SourceStore, nil
	case SourceUpstream:
		return SourceUpstream, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownSource, raw)
	}
}

// DistributorConfig describes the dependencies of a Distributor.
type DistributorConfig struct {
	Catalog  Catalog
	Direct   Strategy
	Upstream Strategy
	Source   Source
	Logger   *zap.Logger
}

// Distributor resolves a slug to an open download.
type Distributor struct {
	catalog  Catalog
	direct   Strategy
	upstream Strategy
	source   Source
	logger   *zap.Logger
}

// NewDistributor validates the configuration and returns a Distributor.
func NewDistributor(cfg DistributorConfig) (*Distributor, error) {
	if cfg.Catalog == nil {
		return nil, apperrors.Storage(opDistributorNew, "missing_catalog", errMissingCatalog)
	}
	source := cfg.Source
	if source == "" {
		source = SourceAuto
	}
	needsDirect := source == SourceAuto || source == SourceStore
	needsUpstream := source == SourceAuto || source == SourceUpstream
	if (needsDirect && cfg.Direct == nil) || (needsUpstream && cfg.Upstream == nil) {
		return nil, apperrors.Configuration(opDistributorNew, "missing_strategy", errMissingStrategy)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distributor{
		catalog:  cfg.Catalog,
		direct:   cfg.Direct,
		upstream: cfg.Upstream,
		source:   source,
		logger:   logger,
	}, nil
}

// Open returns the latest asset for the slug. Callers must close the body.
func (d *Distributor) Open(ctx context.Context, slug string) (Download, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Download{}, apperrors.Validation(opDownload, "missing_slug", errMissingSlug)
	}
	meta, found, err := d.catalog.Get(ctx, slug)
	if err != nil {
		return Download{}, err
	}
	if !found {
		return Download{}, apperrors.NotFound(opDownload, "unknown_slug", errUnknownSlug)
	}

	switch d.source {
	case SourceStore:
		return d.record(d.direct.Fetch(ctx, meta))
	case SourceUpstream:
		return d.record(d.upstream.Fetch(ctx, meta))
	}

	download, err := d.direct.Fetch(ctx, meta)
	if err == nil {
		return d.record(download, nil)
	}
	if !apperrors.Is(err, apperrors.KindNotFound) {
		return d.record(Download{}, err)
	}
	d.logger.Debug("no stored asset, proxying release host", zap.String("slug", slug))
	return d.record(d.upstream.Fetch(ctx, meta))
}

func (d *Distributor) record(download Download, err error) (Download, error) {
	if err != nil {
		result := string(apperrors.KindOf(err))
		if result == "" {
			result = "error"
		}
		metrics.AssetDownloadCounter.WithLabelValues(string(d.source), result).Inc()
		return Download{}, err
	}
	metrics.AssetDownloadCounter.WithLabelValues(download.Strategy, "ok").Inc()
	return download, nil
}
