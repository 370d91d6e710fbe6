package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "syncpipe-device"

// DefaultTokenTTL bounds the lifetime of each request token.
const DefaultTokenTTL = 5 * time.Minute

// ErrInvalidToken is returned by ParseDeviceToken for any unacceptable token.
var ErrInvalidToken = errors.New("invalid device token")

type deviceClaims struct {
	jwt.RegisteredClaims
}

// TokenSigner mints short-lived HS256 device tokens.
type TokenSigner struct {
	secret   []byte
	deviceID string
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenSigner(secret, deviceID string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSigner{secret: []byte(secret), deviceID: deviceID, ttl: ttl, now: time.Now}
}

// Sign returns a fresh bearer token.
func (s *TokenSigner) Sign() (string, error) {
	now := s.now()
	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   s.deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}

// ParseDeviceToken verifies a token and returns the device ID it was issued to.
func ParseDeviceToken(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &deviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*deviceClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
