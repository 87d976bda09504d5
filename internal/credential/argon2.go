package credential

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2Prefix = "$argon2id$"

// Upper bounds applied when parsing stored hashes, so a corrupted blob cannot
// request absurd amounts of memory or time.
const (
	maxArgon2Memory  = 1024 * 1024 // KiB, 1 GiB
	maxArgon2Time    = 64
	maxArgon2KeyLen  = 1024
	maxArgon2SaltLen = 1024
)

// Argon2Params are the argon2id work factors.
type Argon2Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

// DefaultArgon2Params follows the RFC 9106 second recommended option.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    3,
		Memory:  64 * 1024,
		Threads: 2,
		SaltLen: 16,
		KeyLen:  32,
	}
}

func (p Argon2Params) withDefaults() Argon2Params {
	d := DefaultArgon2Params()
	if p.Time == 0 {
		p.Time = d.Time
	}
	if p.Memory == 0 {
		p.Memory = d.Memory
	}
	if p.Threads == 0 {
		p.Threads = d.Threads
	}
	if p.SaltLen == 0 {
		p.SaltLen = d.SaltLen
	}
	if p.KeyLen == 0 {
		p.KeyLen = d.KeyLen
	}
	return p
}

func (p Argon2Params) validate() error {
	if p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("argon2 memory must be at least 8 KiB per thread, got %d KiB for %d threads", p.Memory, p.Threads)
	}
	if p.Memory > maxArgon2Memory || p.Time > maxArgon2Time {
		return fmt.Errorf("argon2 work factor out of range: t=%d m=%d", p.Time, p.Memory)
	}
	if p.SaltLen < 8 || p.KeyLen < 16 {
		return fmt.Errorf("argon2 salt must be at least 8 bytes and key at least 16 bytes")
	}
	return nil
}

type argon2Scheme struct {
	params Argon2Params
}

func (s argon2Scheme) maxSecretBytes() int { return 0 }

func (s argon2Scheme) hash(secret []byte, rnd io.Reader) (string, error) {
	salt := make([]byte, s.params.SaltLen)
	if _, err := io.ReadFull(rnd, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	key := argon2.IDKey(secret, salt, s.params.Time, s.params.Memory, s.params.Threads, s.params.KeyLen)
	return encodeArgon2(s.params, salt, key), nil
}

func (s argon2Scheme) verify(secret []byte, encoded string) (bool, error) {
	params, salt, key, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey(secret, salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	return subtle.ConstantTimeCompare(key, candidate) == 1, nil
}

func (s argon2Scheme) needsRehash(encoded string) (bool, error) {
	params, _, _, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	return params != s.params, nil
}

func encodeArgon2(p Argon2Params, salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Time,
		p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

// decodeArgon2 parses a PHC-formatted argon2id string.
func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: unexpected argon2 layout", ErrMalformedHash)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 version: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}

	var (
		p       Argon2Params
		threads uint32
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &threads); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 parameters: %v", ErrMalformedHash, err)
	}
	if p.Time == 0 || p.Time > maxArgon2Time || threads == 0 || threads > 255 ||
		p.Memory < 8*threads || p.Memory > maxArgon2Memory {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 parameters out of range", ErrMalformedHash)
	}
	p.Threads = uint8(threads)

	salt, err := base64.RawStdEncoding.Strict().DecodeString(parts[4])
	if err != nil || len(salt) == 0 || len(salt) > maxArgon2SaltLen {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 salt", ErrMalformedHash)
	}
	key, err := base64.RawStdEncoding.Strict().DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > maxArgon2KeyLen {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2 digest", ErrMalformedHash)
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}
