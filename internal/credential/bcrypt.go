package credential

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultBcryptCost = 12
	// bcrypt ignores everything past its first 72 input bytes.
	bcryptMaxSecretBytes = 72
)

func validateBcryptCost(cost int) error {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, cost)
	}
	return nil
}

func isBcryptHash(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

type bcryptScheme struct {
	cost int
}

func (s bcryptScheme) maxSecretBytes() int { return bcryptMaxSecretBytes }

// hash ignores rnd: bcrypt draws its salt from crypto/rand internally.
func (s bcryptScheme) hash(secret []byte, _ io.Reader) (string, error) {
	out, err := bcrypt.GenerateFromPassword(secret, s.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(out), nil
}

func (s bcryptScheme) verify(secret []byte, encoded string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encoded), secret)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}

func (s bcryptScheme) needsRehash(encoded string) (bool, error) {
	cost, err := bcrypt.Cost([]byte(encoded))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	return cost != s.cost, nil
}
