// Package credential turns plaintext secrets into self-describing one-way
// hashes and verifies secrets against them.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrInvalidCredential indicates an empty or absent secret.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrCredentialTooLong indicates a secret above the configured byte ceiling.
	ErrCredentialTooLong = errors.New("credential too long")
	// ErrMalformedHash indicates a stored hash that cannot be parsed.
	ErrMalformedHash = errors.New("malformed credential hash")
)

// IsCredentialError reports whether err belongs to the credential taxonomy.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrCredentialTooLong) ||
		errors.Is(err, ErrMalformedHash)
}

// Algorithm identifies a hashing scheme.
type Algorithm string

const (
	Argon2id Algorithm = "argon2id"
	Bcrypt   Algorithm = "bcrypt"
)

// DefaultMaxSecretBytes bounds the input size so oversized secrets cannot be
// used to burn hashing time.
const DefaultMaxSecretBytes = 128

// Params configures the hasher. Zero values fall back to the defaults.
type Params struct {
	Algorithm      Algorithm
	Argon2         Argon2Params
	BcryptCost     int
	MaxSecretBytes int
}

// DefaultParams returns production work factors.
func DefaultParams() Params {
	return Params{
		Algorithm:      Argon2id,
		Argon2:         DefaultArgon2Params(),
		BcryptCost:     defaultBcryptCost,
		MaxSecretBytes: DefaultMaxSecretBytes,
	}
}

// scheme is one encoding of a hash blob.
type scheme interface {
	hash(secret []byte, salt io.Reader) (string, error)
	verify(secret []byte, encoded string) (bool, error)
	needsRehash(encoded string) (bool, error)
	maxSecretBytes() int
}

// Hasher hashes and verifies secrets. It holds no mutable state and is safe for
// concurrent use.
type Hasher struct {
	params  Params
	current scheme
	argon   argon2Scheme
	bcrypt  bcryptScheme
	rand    io.Reader
}

// New validates params and builds a hasher.
func New(params Params) (*Hasher, error) {
	defaults := DefaultParams()
	if params.Algorithm == "" {
		params.Algorithm = defaults.Algorithm
	}
	if params.MaxSecretBytes <= 0 {
		params.MaxSecretBytes = defaults.MaxSecretBytes
	}
	if params.BcryptCost == 0 {
		params.BcryptCost = defaults.BcryptCost
	}
	params.Argon2 = params.Argon2.withDefaults()

	if err := params.Argon2.validate(); err != nil {
		return nil, err
	}
	if err := validateBcryptCost(params.BcryptCost); err != nil {
		return nil, err
	}

	h := &Hasher{
		params: params,
		argon:  argon2Scheme{params: params.Argon2},
		bcrypt: bcryptScheme{cost: params.BcryptCost},
		rand:   rand.Reader,
	}
	switch params.Algorithm {
	case Argon2id:
		h.current = h.argon
	case Bcrypt:
		h.current = h.bcrypt
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", params.Algorithm)
	}
	return h, nil
}

// Params returns the effective configuration.
func (h *Hasher) Params() Params {
	return h.params
}

// Hash derives a fresh salted hash of secret.
func (h *Hasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", ErrInvalidCredential
	}
	if len(secret) > h.ceiling() {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrCredentialTooLong, len(secret), h.ceiling())
	}
	return h.current.hash([]byte(secret), h.rand)
}

// Verify reports whether secret matches encoded. A mismatch is not an error;
// only an unparseable hash is.
func (h *Hasher) Verify(secret, encoded string) (bool, error) {
	s, err := h.schemeFor(encoded)
	if err != nil {
		return false, err
	}
	if secret == "" || len(secret) > h.limitFor(s) {
		return false, nil
	}
	return s.verify([]byte(secret), encoded)
}

// NeedsRehash reports whether encoded was produced with another algorithm or
// different work factors than the current configuration.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	s, err := h.schemeFor(encoded)
	if err != nil {
		return false, err
	}
	if s != h.current {
		return true, nil
	}
	return s.needsRehash(encoded)
}

func (h *Hasher) ceiling() int {
	return h.limitFor(h.current)
}

func (h *Hasher) limitFor(s scheme) int {
	if limit := s.maxSecretBytes(); limit > 0 && limit < h.params.MaxSecretBytes {
		return limit
	}
	return h.params.MaxSecretBytes
}

func (h *Hasher) schemeFor(encoded string) (scheme, error) {
	switch {
	case strings.HasPrefix(encoded, argon2Prefix):
		return h.argon, nil
	case isBcryptHash(encoded):
		return h.bcrypt, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm", ErrMalformedHash)
	}
}
