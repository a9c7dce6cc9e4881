package auth

import (
	"crypto/subtle"
	"errors"
	"os"
)

var (
	ErrMissingServiceToken = errors.New("service token not provided")
	ErrInvalidServiceToken = errors.New("invalid service token")
)

// ValidateServiceToken checks a service-to-service bearer token with a
// constant-time compare.
func ValidateServiceToken(token string, expectedToken string) error {
	if token == "" {
		return ErrMissingServiceToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		return ErrInvalidServiceToken
	}
	return nil
}

// GetServiceToken returns this service's own token for authenticating
// peer services.
func GetServiceToken() string {
	return os.Getenv("SERVICE_TOKEN")
}
