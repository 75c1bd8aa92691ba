// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Shaman Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth implements the two A2A server personas' authentication
// (§4.9): the public persona's hashed X-API-Key lookup, and the internal
// persona's symmetric-secret bearer JWT. Grounded on the shape of
// pkg/auth/jwt.go's JWTValidator/Claims, adapted from its JWKS-fetching
// asymmetric design (the teacher talks to an external auth provider) to
// golang-jwt/jwt/v5's symmetric HMAC verification, since the internal
// persona's JWT is signed by the scheduler itself with a shared secret
// rather than issued by a third-party identity provider.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredentials is returned by both validators on any
// authentication failure; the caller surfaces this uniformly as
// transport.CodeUnauthorized without distinguishing the underlying
// cause (mirrors §4.7's tenant-enumeration-avoidance posture).
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// APIKeyIdentity is what the public persona resolves an X-API-Key to.
type APIKeyIdentity struct {
	OrgID string
	KeyID string
}

// APIKeyStore looks up the org a hashed API key belongs to.
type APIKeyStore interface {
	// Lookup returns the identity owning keyHash, or ok=false if no
	// issued key hashes to it.
	Lookup(ctx context.Context, keyHash string) (APIKeyIdentity, bool, error)
}

// HashAPIKey computes the stored lookup hash for a raw API key. Keys are
// never stored or compared in plaintext.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyValidator authenticates the public persona's X-API-Key header.
type APIKeyValidator struct {
	store APIKeyStore
}

// NewAPIKeyValidator constructs an APIKeyValidator over store.
func NewAPIKeyValidator(store APIKeyStore) *APIKeyValidator {
	return &APIKeyValidator{store: store}
}

// Validate resolves a raw API key to its owning identity.
func (v *APIKeyValidator) Validate(ctx context.Context, rawKey string) (APIKeyIdentity, error) {
	if rawKey == "" {
		return APIKeyIdentity{}, ErrInvalidCredentials
	}
	identity, ok, err := v.store.Lookup(ctx, HashAPIKey(rawKey))
	if err != nil {
		return APIKeyIdentity{}, fmt.Errorf("auth: lookup api key: %w", err)
	}
	if !ok {
		return APIKeyIdentity{}, ErrInvalidCredentials
	}
	return identity, nil
}

// Claims is the internal persona's JWT claim set (§4.9: "claims include
// organizationId, userId?, runId?, taskId?").
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId,omitempty"`
	RunID          string `json:"runId,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
}

// JWTValidator authenticates the internal persona's Bearer token, signed
// with a symmetric secret shared by scheduler and workers.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator constructs a JWTValidator over a shared HMAC secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and verifies a bearer token, returning its claims.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	if claims.OrganizationID == "" {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// IssueToken mints a signed internal-persona JWT, used by the scheduler
// when dispatching a recursive agent call over internal A2A.
func (v *JWTValidator) IssueToken(claims Claims, ttl time.Duration) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
