package credential

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastParams() Params {
	return Params{
		Algorithm: Argon2id,
		Argon2: Argon2Params{
			Time:    1,
			Memory:  1024,
			Threads: 1,
		},
		BcryptCost: 4,
	}
}

func newTestHasher(t *testing.T, params Params) *Hasher {
	t.Helper()
	h, err := New(params)
	require.NoError(t, err)
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{Argon2id, Bcrypt} {
		t.Run(string(algo), func(t *testing.T) {
			params := fastParams()
			params.Algorithm = algo
			h := newTestHasher(t, params)

			encoded, err := h.Hash("secretpw12")
			require.NoError(t, err)
			assert.NotContains(t, encoded, "secretpw12")

			ok, err := h.Verify("secretpw12", encoded)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = h.Verify("secretpw13", encoded)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	h := newTestHasher(t, fastParams())

	first, err := h.Hash("same-secret")
	require.NoError(t, err)
	second, err := h.Hash("same-secret")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestHashEncodesParameters(t *testing.T) {
	h := newTestHasher(t, fastParams())

	encoded, err := h.Hash("secretpw12")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$"), encoded)
	assert.Len(t, strings.Split(encoded, "$"), 6)
}

func TestHashRejectsEmptySecret(t *testing.T) {
	h := newTestHasher(t, fastParams())

	_, err := h.Hash("")
	require.ErrorIs(t, err, ErrInvalidCredential)
	assert.True(t, IsCredentialError(err))
}

func TestHashRejectsOversizedSecret(t *testing.T) {
	h := newTestHasher(t, fastParams())

	_, err := h.Hash(strings.Repeat("a", 200))
	require.ErrorIs(t, err, ErrCredentialTooLong)

	_, err = h.Hash(strings.Repeat("a", DefaultMaxSecretBytes))
	require.NoError(t, err)
}

func TestBcryptCeilingIsSeventyTwoBytes(t *testing.T) {
	params := fastParams()
	params.Algorithm = Bcrypt
	h := newTestHasher(t, params)

	_, err := h.Hash(strings.Repeat("b", 73))
	require.ErrorIs(t, err, ErrCredentialTooLong)

	_, err = h.Hash(strings.Repeat("b", 72))
	require.NoError(t, err)
}

func TestVerifyMalformedHash(t *testing.T) {
	h := newTestHasher(t, fastParams())

	cases := map[string]string{
		"empty":          "",
		"unknown scheme": "$md5$abc",
		"plaintext":      "secretpw12",
		"short argon":    "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA",
		"bad version":    "$argon2id$v=18$m=1024,t=1,p=1$c2FsdHNhbHQ$ZGlnZXN0ZGlnZXN0",
		"bad params":     "$argon2id$v=19$m=x,t=1,p=1$c2FsdHNhbHQ$ZGlnZXN0ZGlnZXN0",
		"huge memory":    "$argon2id$v=19$m=999999999,t=1,p=1$c2FsdHNhbHQ$ZGlnZXN0ZGlnZXN0",
		"memory over 1G": "$argon2id$v=19$m=1048577,t=1,p=1$c2FsdHNhbHQ$ZGlnZXN0ZGlnZXN0",
		"bad salt":       "$argon2id$v=19$m=1024,t=1,p=1$!!!$ZGlnZXN0ZGlnZXN0",
		"short bcrypt":   "$2a$10$tooshort",
	}
	for name, encoded := range cases {
		t.Run(name, func(t *testing.T) {
			ok, err := h.Verify("secretpw12", encoded)
			require.ErrorIs(t, err, ErrMalformedHash)
			assert.False(t, ok)
		})
	}
}

func TestVerifyEmptySecretIsMismatch(t *testing.T) {
	h := newTestHasher(t, fastParams())
	encoded, err := h.Hash("secretpw12")
	require.NoError(t, err)

	ok, err := h.Verify("", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkFactorRotationKeepsOldHashesValid(t *testing.T) {
	old := newTestHasher(t, fastParams())
	encoded, err := old.Hash("secretpw12")
	require.NoError(t, err)

	stronger := fastParams()
	stronger.Argon2.Time = 2
	stronger.Argon2.Memory = 2048
	current := newTestHasher(t, stronger)

	ok, err := current.Verify("secretpw12", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	rehash, err := current.NeedsRehash(encoded)
	require.NoError(t, err)
	assert.True(t, rehash)

	fresh, err := current.Hash("secretpw12")
	require.NoError(t, err)
	rehash, err = current.NeedsRehash(fresh)
	require.NoError(t, err)
	assert.False(t, rehash)
}

func TestAlgorithmSwitchVerifiesBothEncodings(t *testing.T) {
	bcryptParams := fastParams()
	bcryptParams.Algorithm = Bcrypt
	legacy := newTestHasher(t, bcryptParams)
	encoded, err := legacy.Hash("secretpw12")
	require.NoError(t, err)

	current := newTestHasher(t, fastParams())
	ok, err := current.Verify("secretpw12", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	rehash, err := current.NeedsRehash(encoded)
	require.NoError(t, err)
	assert.True(t, rehash)
}

func TestNewRejectsBadParams(t *testing.T) {
	_, err := New(Params{Algorithm: "md5"})
	require.Error(t, err)

	_, err = New(Params{BcryptCost: 99})
	require.Error(t, err)

	_, err = New(Params{Argon2: Argon2Params{Memory: 4, Threads: 4}})
	require.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	h := newTestHasher(t, Params{})
	assert.Equal(t, DefaultParams(), h.Params())
}
