package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "KITEADMIN"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "kiteadmin.db"
	defaultLogLevel            = "info"
	defaultStoreName           = "kiteadmin"
	defaultAssetSource         = "auto"
	defaultAssetFetchTimeout   = 30
	defaultProofTimeout        = 10
	defaultChallengeTTLMinutes = 15
	defaultUserAgent           = "KiteAdmin/1.0"
)

// legacyEnv lists the unprefixed variable names older deployments set, in lookup order after the
// prefixed name.
var legacyEnv = map[string][]string{
	"github.token":     {"GITHUB_TOKEN", "GH_TOKEN"},
	"auth.admin_key":   {"REGISTRATION_API_KEY"},
	"auth.publish_key": {"PUBLISH_API_KEY"},
	"site.base_url":    {"SITE_BASE_URL"},
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	StoreName         string
	AdminKey          string
	PublishKey        string
	GitHubToken       string
	SiteBaseURL       string
	AssetSource       string
	AssetFetchTimeout time.Duration
	ProofTimeout      time.Duration
	SigningSecret     string
	RequireChallenge  bool
	ChallengeTTL      time.Duration
	UserAgent         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	for key, names := range legacyEnv {
		bindings := append([]string{key, envName(key)}, names...)
		_ = configViper.BindEnv(bindings...)
	}

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.name", defaultStoreName)
	configViper.SetDefault("asset.source", defaultAssetSource)
	configViper.SetDefault("asset.fetch_timeout_seconds", defaultAssetFetchTimeout)
	configViper.SetDefault("verification.timeout_seconds", defaultProofTimeout)
	configViper.SetDefault("verification.require_challenge", false)
	configViper.SetDefault("verification.challenge_ttl_minutes", defaultChallengeTTLMinutes)
	configViper.SetDefault("upstream.user_agent", defaultUserAgent)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		StoreName:         configViper.GetString("store.name"),
		AdminKey:          strings.TrimSpace(configViper.GetString("auth.admin_key")),
		PublishKey:        strings.TrimSpace(configViper.GetString("auth.publish_key")),
		GitHubToken:       strings.TrimSpace(configViper.GetString("github.token")),
		SiteBaseURL:       strings.TrimSpace(configViper.GetString("site.base_url")),
		AssetSource:       strings.ToLower(strings.TrimSpace(configViper.GetString("asset.source"))),
		AssetFetchTimeout: time.Duration(configViper.GetInt("asset.fetch_timeout_seconds")) * time.Second,
		ProofTimeout:      time.Duration(configViper.GetInt("verification.timeout_seconds")) * time.Second,
		SigningSecret:     configViper.GetString("verification.signing_secret"),
		RequireChallenge:  configViper.GetBool("verification.require_challenge"),
		ChallengeTTL:      time.Duration(configViper.GetInt("verification.challenge_ttl_minutes")) * time.Minute,
		UserAgent:         configViper.GetString("upstream.user_agent"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.StoreName) == "" {
		return fmt.Errorf("store.name is required")
	}
	switch c.AssetSource {
	case "auto", "store", "upstream":
	default:
		return fmt.Errorf("asset.source must be one of auto, store, upstream (got %q)", c.AssetSource)
	}
	if c.AssetFetchTimeout <= 0 {
		return fmt.Errorf("asset.fetch_timeout_seconds must be positive")
	}
	if c.ProofTimeout <= 0 {
		return fmt.Errorf("verification.timeout_seconds must be positive")
	}
	if c.RequireChallenge && strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("verification.signing_secret is required when verification.require_challenge is set")
	}
	return nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
