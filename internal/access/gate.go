package access

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/metrics"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/registry"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/verification"
	"go.uber.org/zap"
)

const (
	// AdminKeyHeader carries the admin key.
	AdminKeyHeader = "X-Registration-Key"
	// PublishKeyHeader carries the publisher key.
	PublishKeyHeader = "X-Publish-Key"

	opGateNew = "access.new"
)

// Bases on which a mutation was allowed.
const (
	BasisAdmin    = "admin_key"
	BasisVerified = "verified"
	BasisProof    = "proof"
)

var (
	errMissingLedger   = errors.New("ledger is required")
	errMissingVerifier = errors.New("verifier is required")
	errUnauthorized    = errors.New("unauthorized")
)

// Ledger is the registry surface the gate reads and, after a successful proof on an unknown pair, seeds.
type Ledger interface {
	Get(ctx context.Context, site registry.SiteURL, slug registry.PluginSlug) (registry.Registration, bool, error)
	Heartbeat(ctx context.Context, site registry.SiteURL, slug registry.PluginSlug, patch registry.Metadata) (registry.Registration, error)
}

// Verifier runs the proof-of-control handshake.
type Verifier interface {
	AttemptWithSeed(ctx context.Context, site registry.SiteURL, slug registry.PluginSlug, proof verification.Proof, seed func(context.Context) error) (verification.Outcome, error)
}

// Config describes the credentials and collaborators of a Gate.
type Config struct {
	AdminKey   string
	PublishKey string
	Ledger     Ledger
	Verifier   Verifier
	Logger     *zap.Logger
}

// Gate decides whether a caller may mutate registry state or publish updates.
//
// The admin key is a super-credential: it bypasses verification entirely and never marks a record
// verified. Everyone else must hold a verified record or prove control inline.
type Gate struct {
	adminKey   string
	publishKey string
	ledger     Ledger
	verifier   Verifier
	logger     *zap.Logger
}

// MutationRequest describes a heartbeat, inventory or deregister call.
type MutationRequest struct {
	SiteURL    string
	PluginSlug string
	AdminKey   string
	Proof      verification.Proof
	// SynthesizeMissing lets a valid proof create the record it verifies.
	SynthesizeMissing bool
}

// Decision is an allowed mutation.
type Decision struct {
	Basis  string
	Site   registry.SiteURL
	Slug   registry.PluginSlug
	Record *registry.Registration
}

// NewGate validates the configuration and returns a Gate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Ledger == nil {
		return nil, apperrors.Storage(opGateNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Verifier == nil {
		return nil, apperrors.Storage(opGateNew, "missing_verifier", errMissingVerifier)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		adminKey:   strings.TrimSpace(cfg.AdminKey),
		publishKey: strings.TrimSpace(cfg.PublishKey),
		ledger:     cfg.Ledger,
		verifier:   cfg.Verifier,
		logger:     logger,
	}, nil
}

// IsAdmin reports whether presented matches the configured admin key.
func (g *Gate) IsAdmin(presented string) bool {
	return keyMatches(g.adminKey, presented)
}

// RequireAdmin returns an AuthError unless presented is the admin key.
func (g *Gate) RequireAdmin(operation, presented string) error {
	if g.IsAdmin(presented) {
		return nil
	}
	return g.deny(operation, "admin_key_required")
}

// RequirePublisher returns an AuthError unless presented is the publisher key.
func (g *Gate) RequirePublisher(operation, presented string) error {
	if keyMatches(g.publishKey, presented) {
		return nil
	}
	return g.deny(operation, "publish_key_required")
}

// AuthorizeMutation applies the decision table: admin key, then a verified record, then an inline
// proof. Callers without any of these get an AuthError whatever the rest of their payload holds.
func (g *Gate) AuthorizeMutation(ctx context.Context, operation string, request MutationRequest) (Decision, error) {
	site, siteErr := registry.NewSiteURL(request.SiteURL)
	slug, slugErr := registry.NewPluginSlug(request.PluginSlug)

	if g.IsAdmin(request.AdminKey) {
		return Decision{Basis: BasisAdmin, Site: site, Slug: slug}, nil
	}
	if siteErr != nil || slugErr != nil {
		return Decision{}, g.deny(operation, "unknown_registration")
	}

	record, found, err := g.ledger.Get(ctx, site, slug)
	if err != nil {
		return Decision{}, err
	}
	if found && record.Verified {
		return Decision{Basis: BasisVerified, Site: site, Slug: slug, Record: &record}, nil
	}
	if !request.Proof.Present() {
		return Decision{}, g.deny(operation, "unverified")
	}
	var seed func(context.Context) error
	if !found {
		if !request.SynthesizeMissing {
			return Decision{}, g.deny(operation, "unknown_registration")
		}
		seed = func(ctx context.Context) error {
			_, err := g.ledger.Heartbeat(ctx, site, slug, registry.Metadata{})
			return err
		}
	}

	outcome, err := g.verifier.AttemptWithSeed(ctx, site, slug, request.Proof, seed)
	if err != nil {
		return Decision{}, err
	}
	if !outcome.Verified {
		g.logger.Info("inline verification failed",
			zap.String("operation", operation),
			zap.String("site_url", site.String()),
			zap.String("plugin_slug", slug.String()),
			zap.String("reason", outcome.Reason))
		return Decision{}, g.deny(operation, "verification_failed")
	}
	return Decision{Basis: BasisProof, Site: site, Slug: slug, Record: outcome.Registration}, nil
}

func (g *Gate) deny(operation, reason string) error {
	metrics.AccessDeniedCounter.WithLabelValues(operation).Inc()
	return apperrors.Auth(operation, reason, errUnauthorized)
}

// keyMatches compares in constant time. An unset key never matches.
func keyMatches(configured, presented string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(strings.TrimSpace(presented))) == 1
}
