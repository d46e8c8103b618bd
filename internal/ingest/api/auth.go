// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the producer identity embedded in ingestion tokens.
type Claims struct {
	AppID string `json:"app_id"`
	jwt.RegisteredClaims
}

// AuthService issues and validates the HS256 bearer tokens producers present
// on the ingestion endpoints. An empty secret disables authentication, for
// development setups.
type AuthService struct {
	secret      []byte
	tokenExpiry time.Duration
}

// NewAuthService builds the token service. Secrets shorter than 32 bytes are
// rejected; an empty secret is the explicit opt-out.
func NewAuthService(secret string, tokenExpiry time.Duration) (*AuthService, error) {
	if secret != "" && len(secret) < 32 {
		return nil, errors.New("auth secret must be at least 32 characters")
	}
	if tokenExpiry <= 0 {
		tokenExpiry = 24 * time.Hour
	}
	return &AuthService{secret: []byte(secret), tokenExpiry: tokenExpiry}, nil
}

// Enabled reports whether bearer tokens are enforced.
func (s *AuthService) Enabled() bool { return len(s.secret) > 0 }

// IssueToken mints a token bound to a producer app id.
func (s *AuthService) IssueToken(appID string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("authentication disabled")
	}
	claims := &Claims{
		AppID: appID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "logpipe",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken parses a bearer token and returns its claims.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token. A no-op when
// authentication is disabled.
func (s *AuthService) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.ValidateToken(strings.TrimPrefix(header, prefix)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
