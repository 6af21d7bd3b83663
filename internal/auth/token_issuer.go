package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the session JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints session JWTs that SessionValidator accepts. Production
// deployments mint them at the identity edge; the CLI uses this for local editors.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}
}

// IssueSessionToken produces a signed JWT and its expiry time for userID.
func (i *TokenIssuer) IssueSessionToken(_ context.Context, userID, displayName string) (string, time.Time, error) {
	if len(i.signingSecret) == 0 {
		return "", time.Time{}, errMissingSigningSecret
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	claims := SessionClaims{
		UserID:          userID,
		UserDisplayName: strings.TrimSpace(displayName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
