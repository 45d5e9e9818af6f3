package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = time.Hour

// Claims are the access token claims anna understands.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 access tokens signed with a shared secret.
type JWTVerifier struct {
	secret  []byte
	options []jwt.ParserOption
}

// NewJWTVerifier creates a verifier. Empty issuer or audience are not checked.
func NewJWTVerifier(secret, issuer, audience string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTVerifier{secret: []byte(secret), options: opts}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, v.options...)
	if err != nil {
		return Identity{}, NewAuthError(InvalidCredential, err)
	}
	if !parsed.Valid {
		return Identity{}, NewAuthError(InvalidCredential, errors.New("invalid token claims"))
	}
	if claims.Subject == "" {
		return Identity{}, NewAuthError(IdentityNotFound, errors.New("token has no subject"))
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// TokenIssuer signs development access tokens accepted by JWTVerifier.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenIssuer creates an issuer for the same secret, issuer and audience a
// JWTVerifier checks.
func NewTokenIssuer(secret, issuer, audience string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, audience: audience, now: time.Now}, nil
}

// Issue signs a token for userID valid for ttl.
func (i *TokenIssuer) Issue(userID, email string, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := i.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
