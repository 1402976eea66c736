package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/metrics"
	"go.uber.org/zap"
)

// Strategy names.
const (
	StrategyDirect   = "direct"
	StrategyUpstream = "upstream"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultUserAgent    = "KiteAdmin/Updates"
	maxUpstreamText     = 2 << 10
	sourceAPI           = "api"
	sourcePublic        = "public"

	opUpstream = "assets.upstream"
)

var (
	releaseTagPattern = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)/releases/tag/(\S+)$`)

	errNotConfigured = errors.New("server not configured")
)

// Download is an open asset ready to be streamed to a client. Size is -1 when unknown.
type Download struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Filename    string
	SHA256      string
	Strategy    string
}

// Strategy retrieves the latest asset for a published release.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, meta catalog.UpdateMeta) (Download, error)
}

// DirectStrategy serves bytes previously uploaded to the store.
type DirectStrategy struct {
	store *Store
}

// NewDirectStrategy wraps the asset store.
func NewDirectStrategy(store *Store) *DirectStrategy {
	return &DirectStrategy{store: store}
}

func (d *DirectStrategy) Name() string {
	return StrategyDirect
}

// Fetch opens the latest stored asset. The digest attached is that of the bytes being served, which
// can belong to a newer upload than the version the catalog currently names.
func (d *DirectStrategy) Fetch(ctx context.Context, meta catalog.UpdateMeta) (Download, error) {
	asset, err := d.store.OpenLatest(ctx, meta.Slug)
	if err != nil {
		return Download{}, err
	}
	return Download{
		Body:        asset.Body,
		Size:        asset.Size,
		ContentType: ContentTypeZip,
		Filename:    meta.Slug + zipSuffix,
		SHA256:      asset.SHA256,
		Strategy:    StrategyDirect,
	}, nil
}

// UpstreamConfig configures the release-host proxy.
type UpstreamConfig struct {
	HTTPClient *http.Client
	Token      string
	UserAgent  string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// UpstreamStrategy proxies the asset from the release host. With a token it asks the release API
// first; it then falls back to the public download URL derived from the release page.
type UpstreamStrategy struct {
	httpClient *http.Client
	token      string
	userAgent  string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewUpstreamStrategy constructs the proxy with defaults applied.
func NewUpstreamStrategy(cfg UpstreamConfig) *UpstreamStrategy {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpstreamStrategy{
		httpClient: httpClient,
		token:      strings.TrimSpace(cfg.Token),
		userAgent:  userAgent,
		timeout:    timeout,
		logger:     logger,
	}
}

func (u *UpstreamStrategy) Name() string {
	return StrategyUpstream
}

// Fetch streams the asset from the release host.
func (u *UpstreamStrategy) Fetch(ctx context.Context, meta catalog.UpdateMeta) (Download, error) {
	publicURL, derivable := PublicDownloadURL(meta.URL, meta.Slug)
	if u.token == "" && !derivable {
		return Download{}, apperrors.Configuration(opUpstream, "not_configured", errNotConfigured)
	}

	var lastFailure error
	if u.token != "" && strings.TrimSpace(meta.AssetAPIURL) != "" {
		download, err := u.get(ctx, sourceAPI, meta.AssetAPIURL, true)
		if err == nil {
			download.Filename = meta.Slug + zipSuffix
			return download, nil
		}
		lastFailure = err
		u.logger.Warn("release api fetch failed",
			zap.String("slug", meta.Slug),
			zap.Bool("public_fallback", derivable),
			zap.Error(err))
	}

	if derivable {
		download, err := u.get(ctx, sourcePublic, publicURL, false)
		if err == nil {
			download.Filename = meta.Slug + zipSuffix
			return download, nil
		}
		lastFailure = err
	}
	if lastFailure == nil {
		return Download{}, apperrors.Configuration(opUpstream, "not_configured", errNotConfigured)
	}
	return Download{}, apperrors.Upstream(opUpstream, "fetch_failed", lastFailure)
}

func (u *UpstreamStrategy) get(ctx context.Context, source, target string, authenticated bool) (Download, error) {
	requestCtx, cancel := context.WithTimeout(ctx, u.timeout)
	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		metrics.UpstreamFetchCounter.WithLabelValues(source, "error").Inc()
		return Download{}, err
	}
	request.Header.Set("User-Agent", u.userAgent)
	request.Header.Set("Accept", "application/octet-stream")
	if authenticated {
		request.Header.Set("Authorization", "token "+u.token)
	}

	response, err := u.httpClient.Do(request)
	if err != nil {
		cancel()
		metrics.UpstreamFetchCounter.WithLabelValues(source, "error").Inc()
		return Download{}, err
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		text, _ := io.ReadAll(io.LimitReader(response.Body, maxUpstreamText))
		response.Body.Close()
		cancel()
		metrics.UpstreamFetchCounter.WithLabelValues(source, "rejected").Inc()
		return Download{}, &UpstreamStatusError{StatusCode: response.StatusCode, Body: string(text)}
	}

	metrics.UpstreamFetchCounter.WithLabelValues(source, "ok").Inc()
	return Download{
		Body:        &cancelOnClose{ReadCloser: response.Body, cancel: cancel},
		Size:        response.ContentLength,
		ContentType: ContentTypeZip,
		Strategy:    StrategyUpstream,
	}, nil
}

// UpstreamStatusError is a non-2xx answer from the release host.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded %d: %s", e.StatusCode, e.Body)
}

// PublicDownloadURL derives the unauthenticated asset URL from a release page URL.
func PublicDownloadURL(releaseURL, slug string) (string, bool) {
	matches := releaseTagPattern.FindStringSubmatch(strings.TrimSpace(releaseURL))
	if matches == nil || strings.TrimSpace(slug) == "" {
		return "", false
	}
	owner, repo, tag := matches[1], matches[2], matches[3]
	return fmt.Sprintf("https://github.com/%s/%s/releases/download/%s/%s%s",
		owner, repo, tag, url.PathEscape(slug), zipSuffix), true
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
