package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnvironment(t *testing.T) {
	t.Helper()
	for key, names := range legacyEnv {
		t.Setenv(envName(key), "")
		for _, name := range names {
			t.Setenv(name, "")
		}
	}
	for _, name := range []string{
		"KITEADMIN_ASSET_SOURCE",
		"KITEADMIN_DATABASE_PATH",
		"KITEADMIN_VERIFICATION_REQUIRE_CHALLENGE",
		"KITEADMIN_VERIFICATION_SIGNING_SECRET",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnvironment(t)
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath || cfg.StoreName != defaultStoreName {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.AssetSource != "auto" || cfg.AssetFetchTimeout != 30*time.Second || cfg.ProofTimeout != 10*time.Second {
		t.Fatalf("unexpected asset or proof defaults %#v", cfg)
	}
	if cfg.ChallengeTTL != 15*time.Minute || cfg.RequireChallenge {
		t.Fatalf("unexpected challenge defaults %#v", cfg)
	}
	if cfg.AdminKey != "" || cfg.PublishKey != "" {
		t.Fatalf("keys must default to empty")
	}
}

func TestLoadReadsLegacyEnvironment(t *testing.T) {
	clearEnvironment(t)
	t.Setenv("GH_TOKEN", "gh-token")
	t.Setenv("REGISTRATION_API_KEY", "legacy-admin")
	t.Setenv("PUBLISH_API_KEY", "legacy-publish")
	t.Setenv("SITE_BASE_URL", "https://admin.example")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.GitHubToken != "gh-token" || cfg.AdminKey != "legacy-admin" || cfg.PublishKey != "legacy-publish" || cfg.SiteBaseURL != "https://admin.example" {
		t.Fatalf("legacy variables not applied: %#v", cfg)
	}
}

func TestPrefixedEnvironmentWinsOverLegacy(t *testing.T) {
	clearEnvironment(t)
	t.Setenv("GITHUB_TOKEN", "legacy")
	t.Setenv("KITEADMIN_GITHUB_TOKEN", "prefixed")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.GitHubToken != "prefixed" {
		t.Fatalf("expected prefixed token, got %q", cfg.GitHubToken)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown-asset-source",
			env:     map[string]string{"KITEADMIN_ASSET_SOURCE": "s3"},
			wantErr: "asset.source",
		},
		{
			name:    "challenge-without-secret",
			env:     map[string]string{"KITEADMIN_VERIFICATION_REQUIRE_CHALLENGE": "true"},
			wantErr: "verification.signing_secret",
		},
	}
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvironment(t)
			for name, value := range tt.env {
				t.Setenv(name, value)
			}
			_, err := Load(NewViper())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadRejectsEmptyDatabasePath(t *testing.T) {
	clearEnvironment(t)
	configViper := NewViper()
	configViper.Set("database.path", " ")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected database.path to be required")
	}
}
