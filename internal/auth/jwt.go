package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims carries the paired device's id through the REST plane.
type Claims struct {
	DeviceID string `json:"sub"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// Issue mints a bearer token for the given device. Tokens are scoped to
// the REST plane; the websocket path authenticates with the raw auth key.
func (cfg TokenConfig) Issue(deviceID string) (string, error) {
	switch {
	case cfg.Secret == "":
		return "", errors.New("issue token: missing secret")
	case deviceID == "":
		return "", errors.New("issue token: missing device id")
	case cfg.Expiry <= 0:
		return "", errors.New("issue token: non-positive expiry")
	}

	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   deviceID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// Verify checks the token's signature and expiry and returns its claims.
func (cfg TokenConfig) Verify(tokenString string) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("verify token: missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.DeviceID == "" {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
