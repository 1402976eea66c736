package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	registrationPrefix = "registrations/"
	inventoryPrefix    = "inventory/"
	jsonSuffix         = ".json"
	maxIdentifierSize  = 512
)

var (
	// ErrInvalidSiteURL indicates an empty or oversized site URL.
	ErrInvalidSiteURL = errors.New("registry: invalid site url")
	// ErrInvalidPluginSlug indicates an empty or oversized plugin slug.
	ErrInvalidPluginSlug = errors.New("registry: invalid plugin slug")
)

// Registration is the ledger record for one (site, plugin) pair.
type Registration struct {
	SiteURL       string     `json:"siteUrl"`
	PluginSlug    string     `json:"pluginSlug"`
	PluginVersion string     `json:"pluginVersion,omitempty"`
	WPVersion     string     `json:"wpVersion,omitempty"`
	RepoURL       string     `json:"repoUrl,omitempty"`
	Verified      bool       `json:"verified"`
	VerifiedAt    *time.Time `json:"verifiedAt,omitempty"`
	VerifyURL     *string    `json:"verifyUrl,omitempty"`
	FirstSeen     time.Time  `json:"firstSeen"`
	LastSeen      time.Time  `json:"lastSeen"`
	Deleted       bool       `json:"deleted,omitempty"`
}

// Metadata carries the free-form fields a site reports about itself.
type Metadata struct {
	PluginVersion string
	WPVersion     string
	RepoURL       string
}

// apply copies non-empty fields onto the registration.
func (m Metadata) apply(target *Registration) {
	if value := strings.TrimSpace(m.PluginVersion); value != "" {
		target.PluginVersion = value
	}
	if value := strings.TrimSpace(m.WPVersion); value != "" {
		target.WPVersion = value
	}
	if value := strings.TrimSpace(m.RepoURL); value != "" {
		target.RepoURL = value
	}
}

// InventoryItem describes one plugin installed on a site.
type InventoryItem struct {
	Slug            string `json:"slug"`
	Name            string `json:"name,omitempty"`
	Version         string `json:"version,omitempty"`
	Active          bool   `json:"active"`
	UpdateAvailable bool   `json:"updateAvailable"`
	NewVersion      string `json:"newVersion,omitempty"`
	UpdateURI       string `json:"updateUri,omitempty"`
}

// SiteInventory is the full plugin snapshot for a site. Each submission replaces the previous one.
type SiteInventory struct {
	SiteURL     string          `json:"siteUrl"`
	WPVersion   string          `json:"wpVersion,omitempty"`
	PHPVersion  string          `json:"phpVersion,omitempty"`
	CollectedAt time.Time       `json:"collectedAt"`
	Items       []InventoryItem `json:"items"`
}

// SiteSummary rolls registrations up to one entry per site.
type SiteSummary struct {
	SiteURL  string    `json:"siteUrl"`
	LastSeen time.Time `json:"lastSeen"`
	Plugins  []string  `json:"plugins"`
	Verified bool      `json:"verified"`
}

// SiteURL is a validated site identifier.
type SiteURL string

// NewSiteURL trims and validates the raw site URL.
func NewSiteURL(raw string) (SiteURL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSiteURL)
	}
	if len(trimmed) > maxIdentifierSize {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSiteURL, maxIdentifierSize)
	}
	return SiteURL(trimmed), nil
}

func (s SiteURL) String() string {
	return string(s)
}

// PluginSlug is a validated plugin identifier.
type PluginSlug string

// NewPluginSlug trims and validates the raw slug.
func NewPluginSlug(raw string) (PluginSlug, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPluginSlug)
	}
	if len(trimmed) > maxIdentifierSize {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPluginSlug, maxIdentifierSize)
	}
	return PluginSlug(trimmed), nil
}

func (s PluginSlug) String() string {
	return string(s)
}

func registrationKey(site SiteURL, slug PluginSlug) string {
	return registrationPrefix + url.PathEscape(site.String()) + "/" + url.PathEscape(slug.String()) + jsonSuffix
}

func inventoryKey(site SiteURL) string {
	return inventoryPrefix + url.PathEscape(site.String()) + jsonSuffix
}
