package services

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
)

// vapidJWTLifetime is the exp horizon of minted VAPID JWTs. Tokens are cached
// per endpoint origin and reused for slightly less than their lifetime.
const vapidJWTLifetime = 12 * time.Hour

// vapidSigner mints the RFC 8292 Authorization header for WebPush requests.
type vapidSigner struct {
	key          *ecdsa.PrivateKey
	publicKey    string // base64url of the uncompressed public point
	contactEmail string
	cache        *gocache.Cache // endpoint origin -> Authorization header
}

func newVapidSigner(key *ecdsa.PrivateKey, contactEmail string) (*vapidSigner, error) {
	ecdhKey, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("vapid key is not a valid P-256 key: %w", err)
	}
	return &vapidSigner{
		key:          key,
		publicKey:    base64.RawURLEncoding.EncodeToString(ecdhKey.Bytes()),
		contactEmail: contactEmail,
		cache:        gocache.New(vapidJWTLifetime-5*time.Minute, 30*time.Minute),
	}, nil
}

// authorization returns the `vapid t=...,k=...` header value for an endpoint
// origin (scheme://host), minting and caching the JWT as needed.
func (s *vapidSigner) authorization(origin string) (string, error) {
	if cached, ok := s.cache.Get(origin); ok {
		return cached.(string), nil
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": origin,
		"exp": time.Now().Add(vapidJWTLifetime).Unix(),
		"sub": "mailto:" + s.contactEmail,
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing VAPID token: %w", err)
	}
	header := "vapid t=" + signed + ",k=" + s.publicKey
	s.cache.SetDefault(origin, header)
	return header, nil
}

// loadVapidPrivateKey reads a P-256 private key for VAPID use. Both PEM files
// (PKCS#8 or SEC 1) and the bare base64url 32-byte scalar produced by common
// webpush tooling are accepted. The value may be the key material itself or a
// path to a file holding it.
func loadVapidPrivateKey(value string) (*ecdsa.PrivateKey, error) {
	raw := []byte(value)
	if !strings.Contains(value, "-----BEGIN") {
		if fromFile, err := os.ReadFile(value); err == nil {
			raw = fromFile
		}
	}

	if block, _ := pem.Decode(raw); block != nil {
		if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			if key, ok := parsed.(*ecdsa.PrivateKey); ok {
				return key, nil
			}
			return nil, fmt.Errorf("vapid_private_key is not an EC key")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing vapid_private_key: %w", err)
		}
		return key, nil
	}

	scalar, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(strings.TrimRight(string(raw), "=\n")))
	if err != nil || len(scalar) != 32 {
		return nil, fmt.Errorf("vapid_private_key is neither PEM nor a base64url P-256 scalar")
	}
	key := &ecdsa.PrivateKey{}
	key.Curve = elliptic.P256()
	key.D = new(big.Int).SetBytes(scalar)
	key.X, key.Y = key.Curve.ScalarBaseMult(scalar)
	return key, nil
}
