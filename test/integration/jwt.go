package integration

import (
	"crypto/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer signs admin tokens with a random HS256 secret.
type tokenIssuer struct {
	secret []byte
	issuer string
}

func newTokenIssuer() *tokenIssuer {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("generate secret: " + err.Error())
	}
	return &tokenIssuer{secret: secret, issuer: "https://auth.test.escalator.dev"}
}

// GenerateToken creates a valid, signed admin JWT for subject.
func (ti *tokenIssuer) GenerateToken(subject string) string {
	now := time.Now()
	return ti.sign(jwt.MapClaims{
		"iss": ti.issuer,
		"sub": subject,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(time.Hour)),
	})
}

// GenerateExpiredToken creates an admin JWT that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(subject string) string {
	now := time.Now()
	return ti.sign(jwt.MapClaims{
		"iss": ti.issuer,
		"sub": subject,
		"iat": jwt.NewNumericDate(now.Add(-2 * time.Hour)),
		"exp": jwt.NewNumericDate(now.Add(-time.Hour)),
	})
}

func (ti *tokenIssuer) sign(claims jwt.MapClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
