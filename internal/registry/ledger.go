package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"go.uber.org/zap"
)

const (
	opLedgerNew     = "registry.new"
	opRegister      = "registry.register"
	opHeartbeat     = "registry.heartbeat"
	opDeregister    = "registry.deregister"
	opGet           = "registry.get"
	opListAll       = "registry.list_all"
	opMarkVerified  = "registry.mark_verified"
	opSaveInventory = "registry.save_inventory"
	opGetInventory  = "registry.get_inventory"
)

var errMissingStore = errors.New("store is required")

// Store is the subset of the blob store the ledger persists through.
type Store interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, value any) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// LedgerConfig describes the dependencies of a Ledger.
type LedgerConfig struct {
	Store  Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Ledger records registrations, heartbeats, verification state and site inventories.
// Every call reads through to the store; nothing is cached between calls.
type Ledger struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewLedger validates the configuration and returns a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, apperrors.Storage(opLedgerNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Register creates the record or resets its metadata. An existing record keeps its firstSeen
// and its verification state.
func (l *Ledger) Register(ctx context.Context, site SiteURL, slug PluginSlug, metadata Metadata) (Registration, error) {
	return l.register(ctx, site, slug, metadata, false)
}

// RegisterVerified is Register for callers holding the admin key: the record is stored verified.
func (l *Ledger) RegisterVerified(ctx context.Context, site SiteURL, slug PluginSlug, metadata Metadata) (Registration, error) {
	return l.register(ctx, site, slug, metadata, true)
}

func (l *Ledger) register(ctx context.Context, site SiteURL, slug PluginSlug, metadata Metadata, preVerified bool) (Registration, error) {
	now := l.now()
	current, found, err := l.load(ctx, opRegister, site, slug)
	if err != nil {
		return Registration{}, err
	}

	record := Registration{
		SiteURL:    site.String(),
		PluginSlug: slug.String(),
		FirstSeen:  now,
		LastSeen:   now,
	}
	if found {
		record.FirstSeen = current.FirstSeen
		record.LastSeen = laterOf(current.LastSeen, now)
		record.Verified = current.Verified
		record.VerifiedAt = current.VerifiedAt
		record.VerifyURL = current.VerifyURL
	}
	metadata.apply(&record)
	if preVerified && !record.Verified {
		record.Verified = true
		record.VerifiedAt = &now
	}

	if err := l.save(ctx, opRegister, record); err != nil {
		return Registration{}, err
	}
	return record, nil
}

// Heartbeat merges the reported metadata and bumps lastSeen. A heartbeat for an unknown pair
// synthesizes an unverified record.
func (l *Ledger) Heartbeat(ctx context.Context, site SiteURL, slug PluginSlug, patch Metadata) (Registration, error) {
	now := l.now()
	current, found, err := l.load(ctx, opHeartbeat, site, slug)
	if err != nil {
		return Registration{}, err
	}

	record := current
	if !found {
		record = Registration{
			SiteURL:    site.String(),
			PluginSlug: slug.String(),
			FirstSeen:  now,
		}
	}
	patch.apply(&record)
	record.LastSeen = laterOf(record.LastSeen, now)

	if err := l.save(ctx, opHeartbeat, record); err != nil {
		return Registration{}, err
	}
	return record, nil
}

// Deregister removes the record for the pair.
func (l *Ledger) Deregister(ctx context.Context, site SiteURL, slug PluginSlug) error {
	if err := l.store.Delete(ctx, registrationKey(site, slug)); err != nil {
		l.logError(opDeregister, "delete_failed", err, site, slug)
		return err
	}
	return nil
}

// Get returns the live record for the pair. Tombstoned records are reported as absent.
func (l *Ledger) Get(ctx context.Context, site SiteURL, slug PluginSlug) (Registration, bool, error) {
	return l.load(ctx, opGet, site, slug)
}

// ListAll returns every live registration ordered by site and slug.
func (l *Ledger) ListAll(ctx context.Context) ([]Registration, error) {
	keys, err := l.store.List(ctx, registrationPrefix)
	if err != nil {
		l.logger.Error("registry list failed",
			zap.String("operation", opListAll),
			zap.Error(err))
		return nil, err
	}

	records := make([]Registration, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, jsonSuffix) {
			continue
		}
		var record Registration
		found, err := l.store.GetJSON(ctx, key, &record)
		if err != nil {
			l.logger.Error("registry record read failed",
				zap.String("operation", opListAll),
				zap.String("key", key),
				zap.Error(err))
			return nil, err
		}
		if !found || record.Deleted {
			continue
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].SiteURL != records[j].SiteURL {
			return records[i].SiteURL < records[j].SiteURL
		}
		return records[i].PluginSlug < records[j].PluginSlug
	})
	return records, nil
}

// ListSites returns one summary per distinct site together with the underlying registrations.
func (l *Ledger) ListSites(ctx context.Context) ([]SiteSummary, []Registration, error) {
	records, err := l.ListAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	return summarizeSites(records), records, nil
}

// MarkVerified flips the record to verified. The first verifiedAt is kept on repeat calls and
// verifyURL replaces the stored locator only when non-empty. It returns nil when no record exists.
func (l *Ledger) MarkVerified(ctx context.Context, site SiteURL, slug PluginSlug, verifyURL string) (*Registration, error) {
	record, found, err := l.load(ctx, opMarkVerified, site, slug)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if !record.Verified || record.VerifiedAt == nil {
		now := l.now()
		record.VerifiedAt = &now
	}
	record.Verified = true
	if trimmed := strings.TrimSpace(verifyURL); trimmed != "" {
		record.VerifyURL = &trimmed
	}

	if err := l.save(ctx, opMarkVerified, record); err != nil {
		return nil, err
	}
	return &record, nil
}

// SaveInventory replaces the inventory stored for the site.
func (l *Ledger) SaveInventory(ctx context.Context, inventory SiteInventory) (SiteInventory, error) {
	site, err := NewSiteURL(inventory.SiteURL)
	if err != nil {
		return SiteInventory{}, apperrors.Validation(opSaveInventory, "invalid_site_url", err)
	}
	inventory.SiteURL = site.String()
	if inventory.CollectedAt.IsZero() {
		inventory.CollectedAt = l.now()
	}
	if inventory.Items == nil {
		inventory.Items = []InventoryItem{}
	}
	if err := l.store.SetJSON(ctx, inventoryKey(site), inventory); err != nil {
		l.logger.Error("inventory write failed",
			zap.String("operation", opSaveInventory),
			zap.String("site_url", site.String()),
			zap.Error(err))
		return SiteInventory{}, err
	}
	return inventory, nil
}

// GetInventory returns the last inventory stored for the site.
func (l *Ledger) GetInventory(ctx context.Context, site SiteURL) (SiteInventory, bool, error) {
	var inventory SiteInventory
	found, err := l.store.GetJSON(ctx, inventoryKey(site), &inventory)
	if err != nil {
		l.logger.Error("inventory read failed",
			zap.String("operation", opGetInventory),
			zap.String("site_url", site.String()),
			zap.Error(err))
		return SiteInventory{}, false, err
	}
	return inventory, found, nil
}

func (l *Ledger) load(ctx context.Context, operation string, site SiteURL, slug PluginSlug) (Registration, bool, error) {
	var record Registration
	found, err := l.store.GetJSON(ctx, registrationKey(site, slug), &record)
	if err != nil {
		l.logError(operation, "read_failed", err, site, slug)
		return Registration{}, false, err
	}
	if !found || record.Deleted {
		return Registration{}, false, nil
	}
	return record, true, nil
}

func (l *Ledger) save(ctx context.Context, operation string, record Registration) error {
	site := SiteURL(record.SiteURL)
	slug := PluginSlug(record.PluginSlug)
	if err := l.store.SetJSON(ctx, registrationKey(site, slug), record); err != nil {
		l.logError(operation, "write_failed", err, site, slug)
		return err
	}
	return nil
}

func (l *Ledger) now() time.Time {
	return l.clock().UTC()
}

func (l *Ledger) logError(operation, reason string, err error, site SiteURL, slug PluginSlug) {
	l.logger.Error("registry ledger error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("site_url", site.String()),
		zap.String("plugin_slug", slug.String()),
		zap.Error(err))
}

func laterOf(previous, candidate time.Time) time.Time {
	if previous.After(candidate) {
		return previous
	}
	return candidate
}

func summarizeSites(records []Registration) []SiteSummary {
	summaries := make([]SiteSummary, 0)
	index := make(map[string]int)
	for _, record := range records {
		position, ok := index[record.SiteURL]
		if !ok {
			summaries = append(summaries, SiteSummary{
				SiteURL:  record.SiteURL,
				LastSeen: record.LastSeen,
				Plugins:  []string{},
			})
			position = len(summaries) - 1
			index[record.SiteURL] = position
		}
		summary := &summaries[position]
		summary.LastSeen = laterOf(summary.LastSeen, record.LastSeen)
		if !containsString(summary.Plugins, record.PluginSlug) {
			summary.Plugins = append(summary.Plugins, record.PluginSlug)
		}
		if record.Verified {
			summary.Verified = true
		}
	}
	return summaries
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
