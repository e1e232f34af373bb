// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/samber/oops"
)

// Token generation constants.
const (
	// TokenRandomBytes is the number of random bytes drawn per token.
	TokenRandomBytes = 256
	// TokenLength is the length of every generated session token.
	TokenLength = 256
	// ResetCodeLength is the length of every generated reset code.
	ResetCodeLength = 8
)

// TokenIssuer generates session tokens and reset codes from a random source.
type TokenIssuer struct {
	rand io.Reader
}

// NewTokenIssuer creates a TokenIssuer reading from r. A nil reader selects
// crypto/rand.
func NewTokenIssuer(r io.Reader) *TokenIssuer {
	if r == nil {
		r = rand.Reader
	}
	return &TokenIssuer{rand: r}
}

// Generate returns a new session token of exactly TokenLength characters.
// Uniqueness is not checked here; the store rejects duplicates on save.
func (i *TokenIssuer) Generate() (string, error) {
	buf := make([]byte, TokenRandomBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", oops.Code("MEMBERSHIP_TOKEN_GENERATION_FAILED").Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(buf)[:TokenLength], nil
}

// GenerateResetCode returns a new reset code of exactly ResetCodeLength
// characters.
func (i *TokenIssuer) GenerateResetCode() (string, error) {
	token, err := i.Generate()
	if err != nil {
		return "", err
	}
	return token[:ResetCodeLength], nil
}
