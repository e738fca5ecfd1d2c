package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tesseralab/tessera/backend/internal/canvas"
)

const (
	defaultTokenTTL = 12 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingSessionClaim  = errors.New("session claim must be provided")
)

// ParticipantClaims is the payload carried by a session-join token.
type ParticipantClaims struct {
	SessionID string `json:"sid"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Grant is the validated identity extracted from a participant token.
type Grant struct {
	UserID    string
	SessionID string
	Role      canvas.Role
}

// TokenIssuerConfig configures the participant token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs and validates the session-join tokens carried by REST
// and websocket clients. Identity resolution happens upstream; the token
// binds an already-resolved user id to one session and role.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
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
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueParticipantToken produces a signed JWT and its expiry (seconds) for
// one user's membership in one session.
func (i *TokenIssuer) IssueParticipantToken(_ context.Context, participant canvas.Participant) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if participant.UserID == "" {
		return "", 0, errMissingSubjectClaim
	}
	if participant.SessionID == "" {
		return "", 0, errMissingSessionClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := ParticipantClaims{
		SessionID: participant.SessionID,
		Role:      string(participant.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participant.UserID,
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

// ValidateToken ensures the token is well formed and returns the grant it
// carries.
func (i *TokenIssuer) ValidateToken(tokenString string) (Grant, error) {
	if len(i.config.SigningSecret) == 0 {
		return Grant{}, errMissingSigningSecret
	}

	claims := &ParticipantClaims{}
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
	)
	if err != nil {
		return Grant{}, err
	}
	if claims.Subject == "" {
		return Grant{}, errMissingSubjectClaim
	}
	if claims.SessionID == "" {
		return Grant{}, errMissingSessionClaim
	}
	role, err := canvas.ParseRole(claims.Role)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Role:      role,
	}, nil
}
