package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"time"
)

// NewTestTokenIssuer returns a TokenIssuer signing with a freshly generated ES256 key, issuer
// "test-issuer", audience "test-audience", 15m access and 24h refresh lifetimes. For tests.
func NewTestTokenIssuer(opts ...IssuerOption) (*TokenIssuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewTokenIssuer(key, &key.PublicKey, "test-issuer", "test-audience", 15*time.Minute, 24*time.Hour, opts...)
}
