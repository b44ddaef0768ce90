package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"verify-service/internal/config"
)

// Claims bind a minted token to the phone number that was proven and
// the verification session that proved it.
type Claims struct {
	PhoneNumber    string `json:"phone_number"`
	VerificationID string `json:"verification_id"`
	jwt.RegisteredClaims
}

// Issuer mints short-lived HS256 tokens after a successful verification.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewIssuer(cfg *config.Config) *Issuer {
	return &Issuer{
		secret: []byte(cfg.Verification.TokenSecret),
		issuer: cfg.Verification.TokenIssuer,
		ttl:    cfg.Verification.TokenTTL,
	}
}

// Mint signs a token for a verified session.
func (i *Issuer) Mint(phoneNumber, verificationID string, now time.Time) (string, error) {
	claims := Claims{
		PhoneNumber:    phoneNumber,
		VerificationID: verificationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   phoneNumber,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token's signature and expiry and returns its claims.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return &claims, nil
}
