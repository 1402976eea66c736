package verification

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/kiteadmin/internal/apperrors"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/metrics"
	"github.com/MarcoPoloResearchLab/kiteadmin/internal/registry"
	"go.uber.org/zap"
)

const (
	opProtocolNew = "verification.new"
	opAttempt     = "verification.attempt"
)

// Reasons reported when an attempt does not verify the registration.
const (
	ReasonVerified          = "verified"
	ReasonMissingToken      = "missing_token"
	ReasonMissingEndpoint   = "missing_endpoint"
	ReasonChallengeRejected = "challenge_rejected"
	ReasonProofFailed       = "proof_failed"
	ReasonNotRegistered     = "not_registered"
)

var (
	errUnsupportedScheme = errors.New("proof endpoint must use http or https")
	errMissingHost       = errors.New("proof endpoint must include a host")
	errMissingLedger     = errors.New("ledger is required")
	errMissingProver     = errors.New("prover is required")
	errMissingChallenges = errors.New("challenge issuer is required when challenges are enforced")
)

// Ledger is the registry surface the protocol updates.
type Ledger interface {
	MarkVerified(ctx context.Context, site registry.SiteURL, slug registry.PluginSlug, verifyURL string) (*registry.Registration, error)
}

// Prover performs the out-of-band proof fetch.
type Prover interface {
	Prove(ctx context.Context, proofEndpoint, token string) bool
}

// ChallengeValidator checks a server-issued challenge.
type ChallengeValidator interface {
	Validate(tokenString, siteURL, pluginSlug string) error
}

// ProtocolConfig describes the dependencies of a Protocol.
type ProtocolConfig struct {
	Ledger           Ledger
	Prover           Prover
	Challenges       ChallengeValidator
	RequireChallenge bool
	Logger           *zap.Logger
}

// Protocol upgrades an unverified registration to verified after a successful proof of control.
// Verification is one-way: nothing here ever clears the flag.
type Protocol struct {
	ledger           Ledger
	prover           Prover
	challenges       ChallengeValidator
	requireChallenge bool
	logger           *zap.Logger
}

// Proof is the evidence a caller presents.
type Proof struct {
	Token         string
	ProofEndpoint string
}

// Present reports whether both parts of the proof were supplied.
func (p Proof) Present() bool {
	return strings.TrimSpace(p.Token) != "" && strings.TrimSpace(p.ProofEndpoint) != ""
}

// Outcome reports the result of an attempt.
type Outcome struct {
	Verified     bool
	Reason       string
	Registration *registry.Registration
}

// NewProtocol validates the configuration and returns a Protocol.
func NewProtocol(cfg ProtocolConfig) (*Protocol, error) {
	if cfg.Ledger == nil {
		return nil, apperrors.Storage(opProtocolNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Prover == nil {
		return nil, apperrors.Storage(opProtocolNew, "missing_prover", errMissingProver)
	}
	if cfg.RequireChallenge && cfg.Challenges == nil {
		return nil, apperrors.Storage(opProtocolNew, "missing_challenges", errMissingChallenges)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		ledger:           cfg.Ledger,
		prover:           cfg.Prover,
		challenges:       cfg.Challenges,
		requireChallenge: cfg.RequireChallenge,
		logger:           logger,
	}, nil
}

// Attempt runs the handshake for the registration. A failed proof yields an unverified outcome;
// only a storage failure while recording success is returned as an error.
func (p *Protocol) Attempt(ctx context.Context, site registry.SiteURL, slug registry.PluginSlug, proof Proof) (Outcome, error) {
	return p.AttemptWithSeed(ctx, site, slug, proof, nil)
}

// AttemptWithSeed behaves like Attempt. seed runs after the proof succeeds and before the record is
// marked verified, so a proof for an unknown pair can create the record it verifies. A failed proof
// never calls seed.
func (p *Protocol) AttemptWithSeed(ctx context.Context, site registry.SiteURL, slug registry.PluginSlug, proof Proof, seed func(context.Context) error) (Outcome, error) {
	token := strings.TrimSpace(proof.Token)
	endpoint := strings.TrimSpace(proof.ProofEndpoint)
	if token == "" {
		return p.unverified(ReasonMissingToken), nil
	}
	if endpoint == "" {
		return p.unverified(ReasonMissingEndpoint), nil
	}

	if p.requireChallenge {
		if err := p.challenges.Validate(token, site.String(), slug.String()); err != nil {
			p.logger.Info("verification challenge rejected",
				zap.String("site_url", site.String()),
				zap.String("plugin_slug", slug.String()),
				zap.Error(err))
			return p.unverified(ReasonChallengeRejected), nil
		}
	}

	if !p.prover.Prove(ctx, endpoint, token) {
		return p.unverified(ReasonProofFailed), nil
	}

	if seed != nil {
		if err := seed(ctx); err != nil {
			p.logger.Error("verification seed failed",
				zap.String("operation", opAttempt),
				zap.String("site_url", site.String()),
				zap.String("plugin_slug", slug.String()),
				zap.Error(err))
			return Outcome{}, err
		}
	}

	record, err := p.ledger.MarkVerified(ctx, site, slug, endpoint)
	if err != nil {
		p.logger.Error("verification record update failed",
			zap.String("operation", opAttempt),
			zap.String("site_url", site.String()),
			zap.String("plugin_slug", slug.String()),
			zap.Error(err))
		return Outcome{}, err
	}
	if record == nil {
		return p.unverified(ReasonNotRegistered), nil
	}

	metrics.VerificationAttemptCounter.WithLabelValues(ReasonVerified).Inc()
	p.logger.Info("registration verified",
		zap.String("site_url", site.String()),
		zap.String("plugin_slug", slug.String()))
	return Outcome{Verified: true, Reason: ReasonVerified, Registration: record}, nil
}

func (p *Protocol) unverified(reason string) Outcome {
	if reason != ReasonMissingToken && reason != ReasonMissingEndpoint {
		metrics.VerificationAttemptCounter.WithLabelValues(reason).Inc()
	}
	return Outcome{Verified: false, Reason: reason}
}
