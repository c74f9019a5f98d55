// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth issues and verifies the bearer tokens clients present to
// the server, either a signed JWT minted by this server or the shared
// master token.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is used when a token request does not ask for a
	// specific lifetime.
	DefaultTokenTTL = 365 * 24 * time.Hour

	defaultIssuer   = "opal-server"
	defaultAudience = "opal-client"
)

// ErrInvalidToken is returned for any token that fails verification. The
// underlying cause is deliberately not exposed to callers.
var ErrInvalidToken = errors.New("invalid bearer token")

// Verifier checks a bearer token and returns its claims.
type Verifier interface {
	Verify(token string) (map[string]interface{}, error)
}

// Signer mints RS256-signed client tokens and verifies them.
type Signer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
}

// SignerConfig configures a Signer. All fields are optional: a missing key
// is generated, empty issuer and audience select defaults.
type SignerConfig struct {
	// PrivateKeyPath points at a PEM-encoded RSA private key. When empty
	// an ephemeral key is generated, which invalidates outstanding tokens
	// on restart.
	PrivateKeyPath string

	Issuer   string
	Audience string
}

// NewSigner loads or generates the signing key.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	var key *rsa.PrivateKey
	var err error

	if cfg.PrivateKeyPath != "" {
		key, err = loadPrivateKey(cfg.PrivateKeyPath)
	} else {
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	if err != nil {
		return nil, err
	}

	s := &Signer{
		key:      key,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
	if s.issuer == "" {
		s.issuer = defaultIssuer
	}
	if s.audience == "" {
		s.audience = defaultAudience
	}

	s.keyID, err = keyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SignToken mints a token carrying the extra claims. A non-positive TTL
// selects the default lifetime.
func (s *Signer) SignToken(extraClaims map[string]interface{}, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"aud": s.audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	for k, v := range extraClaims {
		switch k {
		case "iss", "aud", "iat", "exp":
			return "", fmt.Errorf("claim %q is reserved", k)
		}
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, issuer and audience.
func (s *Signer) Verify(tokenString string) (map[string]interface{}, error) {
	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (interface{}, error) {
			return &s.key.PublicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return map[string]interface{}(claims), nil
}

// PublicKey exposes the verification key for the JWKS document.
func (s *Signer) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// KeyID is the stable identifier of the current signing key.
func (s *Signer) KeyID() string { return s.keyID }

// MasterVerifier accepts exactly the configured master token and rejects
// everything else. Master-token callers are unrestricted, so the returned
// claims are empty.
type MasterVerifier struct {
	token string
}

func NewMasterVerifier(token string) *MasterVerifier {
	return &MasterVerifier{token: token}
}

func (m *MasterVerifier) Verify(token string) (map[string]interface{}, error) {
	if m.token == "" {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
		return nil, ErrInvalidToken
	}
	return map[string]interface{}{}, nil
}

// ChainVerifier tries each verifier in order and accepts the first match.
type ChainVerifier struct {
	verifiers []Verifier
}

func NewChainVerifier(verifiers ...Verifier) *ChainVerifier {
	return &ChainVerifier{verifiers: verifiers}
}

func (c *ChainVerifier) Verify(token string) (map[string]interface{}, error) {
	for _, v := range c.verifiers {
		if claims, err := v.Verify(token); err == nil {
			return claims, nil
		}
	}
	return nil, ErrInvalidToken
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not PEM encoded", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is not an RSA key", path)
	}
	return key, nil
}

// keyID derives a stable identifier from the public key material.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}
