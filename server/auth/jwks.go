// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
)

// JWK is one RSA public key in JSON Web Key form.
type JWK struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

// JWKS is the document served at /.well-known/jwks.json so external
// services can verify tokens this server minted.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// NewJWKS builds the key set for a single signing key.
func NewJWKS(pub *rsa.PublicKey, keyID string) JWKS {
	return JWKS{Keys: []JWK{
		{
			KeyType:   "RSA",
			Use:       "sig",
			Algorithm: "RS256",
			KeyID:     keyID,
			Modulus:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			Exponent:  base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		},
	}}
}
