package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "chatrooms"

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// TokenVerifier signs and checks HS256 identity tokens. The identity id
// travels in the subject claim.
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// Issue returns a token for userID valid for ttl and its expiry.
func (v *TokenVerifier) Issue(userID string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// subject parses token and returns its subject, or ErrTokenExpired or
// ErrTokenInvalid.
func (v *TokenVerifier) subject(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", ErrTokenExpired
	}
	if err != nil || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// Verify returns the identity id the token was issued for.
func (v *TokenVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	id, err := v.subject(token)
	if err != nil {
		return "", wrapError(AuthenticationError, "invalid or expired token", err)
	}
	return id, nil
}
