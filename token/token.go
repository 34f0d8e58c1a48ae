// Package token issues and verifies the bearer tokens used to authenticate
// callers of the metadata service.
//
// Tokens are HS256 JWTs. No state is kept besides the signing key, so any
// node configured with the same key verifies tokens issued by any other.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalid is returned for tokens that cannot be parsed or are not acceptable.
	ErrInvalid = errors.New("token: invalid")

	// ErrUnverified is returned when the signature does not match the key.
	ErrUnverified = errors.New("token: signature unverified")
)

// Claim is the identity a token attests to.
type Claim struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens with one key.
type Service struct {
	key []byte
}

// New creates a Service using key as signing material.
func New(key []byte) (*Service, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("token: empty signing key")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Service{key: k}, nil
}

// NewRandom creates a Service with a fresh random key. Tokens it issues are
// only verifiable by this process.
func NewRandom() (*Service, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("token: generate key: %w", err)
	}
	return &Service{key: key}, nil
}

// Issue returns the signed token for c.
func (s *Service) Issue(c Claim) (string, error) {
	if c.Username == "" {
		return "", fmt.Errorf("token: claim without username")
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return t.SignedString(s.key)
}

// Verify parses tok and returns its claim.
func (s *Service) Verify(tok string) (*Claim, error) {
	c := &Claim{}
	_, err := jwt.ParseWithClaims(tok, c, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, fmt.Errorf("%w: %v", ErrUnverified, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Username == "" {
		return nil, fmt.Errorf("%w: missing username", ErrInvalid)
	}
	return c, nil
}
