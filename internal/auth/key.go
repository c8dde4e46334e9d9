package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// NewAuthKey generates a device auth secret. The key is never logged.
func NewAuthKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// VerifyAuthKey compares a presented key against the expected one in
// constant time.
func VerifyAuthKey(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
