package assets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/catalog"
	"github.com/jarcoal/httpmock"
)

const (
	testAssetAPIURL = "https://api.github.com/repos/kite/plug-x/releases/assets/7"
	testReleaseURL  = "https://github.com/kite/plug-x/releases/tag/v2.0.0"
	testPublicURL   = "https://github.com/kite/plug-x/releases/download/v2.0.0/plug-x.zip"
)

func testMeta() catalog.UpdateMeta {
	return catalog.UpdateMeta{
		Slug:        "plug-x",
		Version:     "2.0.0",
		URL:         testReleaseURL,
		AssetAPIURL: testAssetAPIURL,
	}
}

func newMockedUpstream(t *testing.T, token string) (*UpstreamStrategy, *http.Client) {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewUpstreamStrategy(UpstreamConfig{HTTPClient: client, Token: token}), client
}

func readDownload(t *testing.T, download Download) string {
	t.Helper()
	defer download.Body.Close()
	body, err := io.ReadAll(download.Body)
	if err != nil {
		t.Fatalf("read download failed: %v", err)
	}
	return string(body)
}

func TestUpstreamUsesReleaseAPIWithToken(t *testing.T) {
	strategy, _ := newMockedUpstream(t, "secret-token")
	httpmock.RegisterResponder(http.MethodGet, testAssetAPIURL,
		func(request *http.Request) (*http.Response, error) {
			if request.Header.Get("Authorization") != "token secret-token" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, "bad credentials"), nil
			}
			if request.Header.Get("Accept") != "application/octet-stream" {
				return httpmock.NewStringResponse(http.StatusNotAcceptable, "json"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "api-bytes"), nil
		})

	download, err := strategy.Fetch(context.Background(), testMeta())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got := readDownload(t, download); got != "api-bytes" {
		t.Fatalf("unexpected body %q", got)
	}
	if download.Filename != "plug-x.zip" || download.Strategy != StrategyUpstream {
		t.Fatalf("unexpected download metadata %#v", download)
	}
	if httpmock.GetCallCountInfo()["GET "+testPublicURL] != 0 {
		t.Fatalf("public url must not be fetched when the api succeeds")
	}
}

func TestUpstreamFallsBackToPublicURL(t *testing.T) {
	strategy, _ := newMockedUpstream(t, "secret-token")
	httpmock.RegisterResponder(http.MethodGet, testAssetAPIURL,
		httpmock.NewStringResponder(http.StatusNotFound, "Not Found"))
	httpmock.RegisterResponder(http.MethodGet, testPublicURL,
		func(request *http.Request) (*http.Response, error) {
			if request.Header.Get("Authorization") != "" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "credentials sent"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "public-bytes"), nil
		})

	download, err := strategy.Fetch(context.Background(), testMeta())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got := readDownload(t, download); got != "public-bytes" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestUpstreamFailureCarriesStatusAndTruncatedBody(t *testing.T) {
	strategy, _ := newMockedUpstream(t, "secret-token")
	httpmock.RegisterResponder(http.MethodGet, testAssetAPIURL,
		httpmock.NewStringResponder(http.StatusForbidden, "rate limited"))
	httpmock.RegisterResponder(http.MethodGet, testPublicURL,
		httpmock.NewStringResponder(http.StatusNotFound, strings.Repeat("x", 5000)))

	_, err := strategy.Fetch(context.Background(), testMeta())
	if !apperrors.Is(err, apperrors.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	message := err.Error()
	if !strings.Contains(message, "404") {
		t.Fatalf("expected upstream status in %q", message)
	}
	if strings.Contains(message, strings.Repeat("x", maxUpstreamText+1)) {
		t.Fatalf("upstream body must be truncated")
	}
	if strings.Contains(message, "secret-token") {
		t.Fatalf("token leaked into error")
	}
}

func TestUpstreamWithoutTokenOrDerivableURLIsNotConfigured(t *testing.T) {
	strategy, _ := newMockedUpstream(t, "")
	meta := testMeta()
	meta.URL = "https://example.com/releases/plug-x"

	_, err := strategy.Fetch(context.Background(), meta)
	if !apperrors.Is(err, apperrors.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if apperrors.HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", apperrors.HTTPStatus(err))
	}
}

func TestUpstreamWithoutTokenUsesPublicURLOnly(t *testing.T) {
	strategy, _ := newMockedUpstream(t, "")
	httpmock.RegisterResponder(http.MethodGet, testPublicURL,
		httpmock.NewStringResponder(http.StatusOK, "public-bytes"))

	download, err := strategy.Fetch(context.Background(), testMeta())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	readDownload(t, download)
	if httpmock.GetCallCountInfo()["GET "+testAssetAPIURL] != 0 {
		t.Fatalf("release api must not be called without a token")
	}
}

func TestUpstreamStreamsFromRealServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("bytes"))
	}))
	defer server.Close()

	strategy := NewUpstreamStrategy(UpstreamConfig{HTTPClient: server.Client(), Token: "t"})
	meta := testMeta()
	meta.AssetAPIURL = server.URL + "/asset"
	meta.URL = ""

	download, err := strategy.Fetch(context.Background(), meta)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if download.Size != 5 {
		t.Fatalf("expected upstream content length, got %d", download.Size)
	}
	if got := readDownload(t, download); got != "bytes" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestPublicDownloadURL(t *testing.T) {
	testCases := []struct {
		releaseURL string
		want       string
		ok         bool
	}{
		{releaseURL: testReleaseURL, want: testPublicURL, ok: true},
		{releaseURL: "https://github.com/kite/plug-x/releases", ok: false},
		{releaseURL: "http://github.com/kite/plug-x/releases/tag/v1", ok: false},
		{releaseURL: "", ok: false},
	}
	for _, tt := range testCases {
		got, ok := PublicDownloadURL(tt.releaseURL, "plug-x")
		if ok != tt.ok || got != tt.want {
			t.Fatalf("%q: expected (%q, %v), got (%q, %v)", tt.releaseURL, tt.want, tt.ok, got, ok)
		}
	}
}

func TestDistributorSelectsStrategyBySource(t *testing.T) {
	fixture := newAssetFixture(t)
	fixture.publish(t, "plug-x", "2.0.0")
	fixture.publish(t, "plug-y", "1.0.0")
	ctx := context.Background()
	if _, err := fixture.store.Upload(ctx, "plug-x", "2.0.0", []byte("stored-bytes")); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	upstream, _ := newMockedUpstream(t, "")
	httpmock.RegisterResponder(http.MethodGet, "https://github.com/kite/plug-y/releases/download/v1.0.0/plug-y.zip",
		httpmock.NewStringResponder(http.StatusOK, "proxied-bytes"))
	direct := NewDirectStrategy(fixture.store)

	auto, err := NewDistributor(DistributorConfig{Catalog: fixture.catalog, Direct: direct, Upstream: upstream, Source: SourceAuto})
	if err != nil {
		t.Fatalf("failed to create distributor: %v", err)
	}
	stored, err := auto.Open(ctx, "plug-x")
	if err != nil {
		t.Fatalf("open stored failed: %v", err)
	}
	if got := readDownload(t, stored); got != "stored-bytes" || stored.Strategy != StrategyDirect {
		t.Fatalf("expected direct download, got %q via %s", got, stored.Strategy)
	}
	if stored.SHA256 != sha256Hex([]byte("stored-bytes")) {
		t.Fatalf("direct download must carry the recorded digest")
	}

	proxied, err := auto.Open(ctx, "plug-y")
	if err != nil {
		t.Fatalf("open proxied failed: %v", err)
	}
	if got := readDownload(t, proxied); got != "proxied-bytes" || proxied.Strategy != StrategyUpstream {
		t.Fatalf("expected upstream download, got %q via %s", got, proxied.Strategy)
	}

	_, err = auto.Open(ctx, "unknown")
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found for unknown slug, got %v", err)
	}

	storeOnly, err := NewDistributor(DistributorConfig{Catalog: fixture.catalog, Direct: direct, Source: SourceStore})
	if err != nil {
		t.Fatalf("failed to create distributor: %v", err)
	}
	_, err = storeOnly.Open(ctx, "plug-y")
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found in store mode, got %v", err)
	}
}

func TestParseSource(t *testing.T) {
	for raw, want := range map[string]Source{"": SourceAuto, "AUTO": SourceAuto, "store": SourceStore, " upstream ": SourceUpstream} {
		got, err := ParseSource(raw)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", raw, want, got, err)
		}
	}
	if _, err := ParseSource("s3"); err == nil {
		t.Fatalf("expected unknown source to be rejected")
	}
}

func TestNewDistributorRequiresConfiguredStrategies(t *testing.T) {
	fixture := newAssetFixture(t)
	_, err := NewDistributor(DistributorConfig{Catalog: fixture.catalog, Direct: NewDirectStrategy(fixture.store), Source: SourceAuto})
	if err == nil {
		t.Fatalf("auto source without upstream must be rejected")
	}
}
