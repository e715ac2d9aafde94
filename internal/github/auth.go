// Package github talks to the GitHub REST API on behalf of a GitHub App
// and builds the guest scripts that install, register and run a
// self-hosted Actions runner.
package github

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Authenticator mints the bearer token used for app-level API calls.
type Authenticator interface {
	Token(now time.Time) (string, error)
}

// AppAuth signs short-lived GitHub App JWTs.
type AppAuth struct {
	appID int64
	key   *rsa.PrivateKey
}

// Compile-time check.
var _ Authenticator = (*AppAuth)(nil)

// NewAppAuth parses a PEM encoded RSA private key.
func NewAppAuth(appID int64, privateKeyPEM []byte) (*AppAuth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	return &AppAuth{appID: appID, key: key}, nil
}

// LoadAppAuth reads the private key from path.
func LoadAppAuth(appID int64, path string) (*AppAuth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key from %s: %w", path, err)
	}
	return NewAppAuth(appID, data)
}

// Token returns an RS256 JWT valid from ten seconds before now (clock
// skew) until one minute after it.
func (a *AppAuth) Token(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-10 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(60 * time.Second)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign github app jwt: %w", err)
	}
	return signed, nil
}
