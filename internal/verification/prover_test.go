package verification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestProveAcceptsSuccessStatusAndSendsToken(t *testing.T) {
	var receivedToken, receivedExtra, receivedAgent string
	proofServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedToken = r.URL.Query().Get("token")
		receivedExtra = r.URL.Query().Get("site")
		receivedAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer proofServer.Close()

	prover := NewHTTPProver(ProverConfig{HTTPClient: proofServer.Client()})
	if !prover.Prove(context.Background(), proofServer.URL+"/wp-json/kite/v1/proof?site=a", "secret-token") {
		t.Fatalf("expected proof to succeed")
	}
	if receivedToken != "secret-token" {
		t.Fatalf("expected token query parameter, got %q", receivedToken)
	}
	if receivedExtra != "a" {
		t.Fatalf("expected existing query to be preserved, got %q", receivedExtra)
	}
	if receivedAgent != defaultUserAgent {
		t.Fatalf("unexpected user agent %q", receivedAgent)
	}
}

func TestProveTreatsFailuresAsUnverified(t *testing.T) {
	refusingServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer refusingServer.Close()

	redirectServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultipleChoices)
	}))
	defer redirectServer.Close()

	slowServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slowServer.Close()

	closedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := closedServer.URL
	closedServer.Close()

	testCases := []struct {
		name     string
		endpoint string
	}{
		{name: "forbidden", endpoint: refusingServer.URL},
		{name: "non-2xx", endpoint: redirectServer.URL},
		{name: "timeout", endpoint: slowServer.URL},
		{name: "connection-refused", endpoint: closedURL},
		{name: "unsupported-scheme", endpoint: "ftp://a.example/proof"},
		{name: "missing-host", endpoint: "https:///proof"},
		{name: "malformed", endpoint: "http://[::1"},
	}

	prover := NewHTTPProver(ProverConfig{Timeout: 100 * time.Millisecond})
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			if prover.Prove(context.Background(), tt.endpoint, "secret-token") {
				t.Fatalf("expected proof to fail for %s", tt.endpoint)
			}
		})
	}
}

func TestProveNeverLogsToken(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prover := NewHTTPProver(ProverConfig{Logger: zap.New(core), Timeout: 100 * time.Millisecond})

	prover.Prove(context.Background(), "http://127.0.0.1:1/proof?token=leaked", "secret-token")

	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			text := field.String
			if loggedErr, ok := field.Interface.(error); ok {
				text += loggedErr.Error()
			}
			if strings.Contains(text, "secret-token") || strings.Contains(text, "leaked") {
				t.Fatalf("log entry %q leaked a token: %v", entry.Message, field)
			}
		}
	}
	if logs.Len() == 0 {
		t.Fatalf("expected failed proof to be logged")
	}
}
