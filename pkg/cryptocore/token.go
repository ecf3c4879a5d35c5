package cryptocore

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for every token verification failure.
// The signature check runs before the expiry check, but the error never
// reveals which one rejected the token.
var ErrInvalidToken = errors.New("cryptocore: invalid token")

// Token is a short-lived bearer credential binding a subject to a
// grantee.
type Token struct {
	Raw       string
	Subject   string
	Grantee   string
	ExpiresAt time.Time
}

// IssueToken mints an HS256-signed token for subject, granted to
// grantee, with a random jti nonce and the service's configured TTL.
func (s *Service) IssueToken(subject, grantee string) (*Token, error) {
	now := time.Now().UTC()
	expires := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{grantee},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.masterKey)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("subject", subject).Str("grantee", grantee).Time("expires_at", expires).Msg("token issued")
	return &Token{Raw: raw, Subject: subject, Grantee: grantee, ExpiresAt: expires}, nil
}

// VerifyToken validates signature then expiry and returns the bound
// identities. Any failure yields the same opaque error.
func (s *Service) VerifyToken(raw string) (*Token, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.masterKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || len(claims.Audience) == 0 || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return &Token{
		Raw:       raw,
		Subject:   claims.Subject,
		Grantee:   claims.Audience[0],
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
