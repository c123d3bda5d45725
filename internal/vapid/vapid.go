// Package vapid signs the Authorization header sent with every push request
// (RFC 8292). Headers are cached per origin.
package vapid

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrKeyMissing is returned by every signing call when no private key
	// is configured.
	ErrKeyMissing = errors.New("vapid: no private key configured")
	// ErrInvalidKey is returned for keys that are not 32 bytes of base64url
	// encoded P-256 scalar.
	ErrInvalidKey = errors.New("vapid: invalid private key")
)

const (
	DefaultTokenLifetime = 12 * time.Hour
	DefaultCacheLifetime = 6 * time.Hour
)

type cacheEntry struct {
	header  string
	expires time.Time
}

// Generator produces `vapid t=<jwt>,k=<public key>` headers.
type Generator struct {
	key    *ecdsa.PrivateKey
	pubkey string

	tokenLifetime time.Duration
	cacheLifetime time.Duration
	now           func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewGenerator parses a base64url private key. An empty key yields a
// Generator whose calls all fail with ErrKeyMissing.
func NewGenerator(privateKey string) (*Generator, error) {
	return NewGeneratorWithNow(privateKey, time.Now)
}

func NewGeneratorWithNow(privateKey string, now func() time.Time) (*Generator, error) {
	g := &Generator{
		tokenLifetime: DefaultTokenLifetime,
		cacheLifetime: DefaultCacheLifetime,
		now:           now,
		cache:         make(map[string]cacheEntry),
	}
	if strings.TrimSpace(privateKey) == "" {
		return g, nil
	}
	key, pub, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	g.key = key
	g.pubkey = pub
	return g, nil
}

// Enabled reports whether a signing key is configured.
func (g *Generator) Enabled() bool { return g.key != nil }

// PublicKey returns the base64url uncompressed public key.
func (g *Generator) PublicKey() (string, error) {
	if g.key == nil {
		return "", ErrKeyMissing
	}
	return g.pubkey, nil
}

// HeaderFor returns the Authorization header value for the origin of
// target.
func (g *Generator) HeaderFor(target *url.URL) (string, error) {
	return g.HeaderForOrigin(Origin(target))
}

// HeaderForOrigin returns the Authorization header bound to origin, signing
// a new token when the cached one is missing or expired.
func (g *Generator) HeaderForOrigin(origin string) (string, error) {
	if g.key == nil {
		return "", ErrKeyMissing
	}
	now := g.now()

	g.mu.Lock()
	entry, ok := g.cache[origin]
	g.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.header, nil
	}

	claims := jwt.MapClaims{
		"aud": origin,
		"exp": jwt.NewNumericDate(now.Add(g.tokenLifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("vapid: sign: %w", err)
	}
	header := fmt.Sprintf("vapid t=%s,k=%s", token, g.pubkey)

	g.mu.Lock()
	g.cache[origin] = cacheEntry{header: header, expires: now.Add(g.cacheLifetime)}
	g.mu.Unlock()
	return header, nil
}

// Origin serializes the scheme, host and non-default port of u.
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}

// GenerateKey returns a new base64url encoded private key.
func GenerateKey() (string, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(key.Bytes()), nil
}

func parsePrivateKey(encoded string) (*ecdsa.PrivateKey, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(encoded), "="))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != 32 {
		return nil, "", fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	ek, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub := ek.PublicKey().Bytes()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(raw),
	}
	return key, base64.RawURLEncoding.EncodeToString(pub), nil
}
