package verification

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProofTimeout = 10 * time.Second
	defaultUserAgent    = "KiteAdmin/Registry"
	tokenQueryParameter = "token"
	maxDrainBytes       = 4 << 10
)

// ProverConfig configures the outbound proof-of-control check.
type ProverConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	Logger     *zap.Logger
}

// HTTPProver performs the proof fetch: a GET against the site-provided endpoint carrying the token.
type HTTPProver struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	logger     *zap.Logger
}

// NewHTTPProver constructs a prover with defaults applied.
func NewHTTPProver(cfg ProverConfig) *HTTPProver {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProofTimeout
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProver{
		httpClient: httpClient,
		timeout:    timeout,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// Prove reports whether the endpoint answered the token with a 2xx status.
// Transport failures count as a failed proof and are never returned to the caller.
func (p *HTTPProver) Prove(ctx context.Context, proofEndpoint, token string) bool {
	target, err := proofURL(proofEndpoint, token)
	if err != nil {
		p.logger.Info("proof endpoint rejected", zap.String("endpoint", redactQuery(proofEndpoint)), zap.Error(withoutURL(err)))
		return false
	}

	requestCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target, nil)
	if err != nil {
		p.logger.Info("proof request build failed", zap.String("endpoint", redactQuery(proofEndpoint)), zap.Error(err))
		return false
	}
	request.Header.Set("User-Agent", p.userAgent)

	response, err := p.httpClient.Do(request)
	if err != nil {
		p.logger.Info("proof fetch failed", zap.String("endpoint", redactQuery(proofEndpoint)), zap.Error(withoutURL(err)))
		return false
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxDrainBytes))

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		p.logger.Info("proof endpoint refused token",
			zap.String("endpoint", redactQuery(proofEndpoint)),
			zap.Int("status", response.StatusCode))
		return false
	}
	return true
}

func proofURL(proofEndpoint, token string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(proofEndpoint))
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errUnsupportedScheme
	}
	if parsed.Host == "" {
		return "", errMissingHost
	}
	query := parsed.Query()
	query.Set(tokenQueryParameter, token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// redactQuery drops the query so tokens never reach the logs.
func redactQuery(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parsed.RawQuery = ""
	parsed.User = nil
	return parsed.String()
}

// withoutURL strips the request URL that *url.Error carries, since it includes the token.
func withoutURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
