package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultChallengeTTL      = 15 * time.Minute
	defaultChallengeIssuer   = "kiteadmin-registry"
	defaultChallengeAudience = "kiteadmin-proof"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingPluginSlug    = errors.New("plugin slug must be provided")
	// ErrChallengeMismatch reports a challenge issued for a different site or plugin.
	ErrChallengeMismatch = errors.New("verification: challenge bound to a different registration")
)

// ChallengeClaims binds a challenge to one registration.
type ChallengeClaims struct {
	PluginSlug string `json:"plugin_slug"`
	jwt.RegisteredClaims
}

// ChallengeIssuerConfig configures the challenge issuer.
type ChallengeIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TTL           time.Duration
	Clock         func() time.Time
}

// ChallengeIssuer mints and checks HS256 challenge tokens that a site echoes back from its
// proof endpoint.
type ChallengeIssuer struct {
	config ChallengeIssuerConfig
	clock  func() time.Time
}

// NewChallengeIssuer constructs a ChallengeIssuer with defaults applied.
func NewChallengeIssuer(cfg ChallengeIssuerConfig) (*ChallengeIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultChallengeIssuer
	}
	audience := cfg.Audience
	if audience == "" {
		audience = defaultChallengeAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ChallengeIssuer{
		config: ChallengeIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        issuer,
			Audience:      audience,
			TTL:           ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// Issue produces a signed challenge for the site and plugin along with its lifetime in seconds.
func (i *ChallengeIssuer) Issue(_ context.Context, siteURL, pluginSlug string) (string, int64, error) {
	if siteURL == "" {
		return "", 0, errMissingSubjectClaim
	}
	if pluginSlug == "" {
		return "", 0, errMissingPluginSlug
	}
	tokenID, err := uuid.NewV7()
	if err != nil {
		return "", 0, err
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TTL).UTC()

	claims := ChallengeClaims{
		PluginSlug: pluginSlug,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			Subject:   siteURL,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate checks the signature, lifetime and binding of a challenge.
func (i *ChallengeIssuer) Validate(tokenString, siteURL, pluginSlug string) error {
	claims := &ChallengeClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return err
	}
	if claims.Subject != siteURL || claims.PluginSlug != pluginSlug {
		return ErrChallengeMismatch
	}
	return nil
}
