package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
	"identity-core/internal/repository/repotest"
)

func TestIdentityRepository(t *testing.T) {
	dsn := os.Getenv("IDENTITY_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("IDENTITY_TEST_POSTGRES_URL not set")
	}

	repotest.Run(t, func(t *testing.T) repository.IdentityRepository {
		ctx := context.Background()
		pool, err := Connect(ctx, dsn)
		require.NoError(t, err)
		repo := NewIdentityRepository(pool)
		t.Cleanup(func() { repo.Close() })

		require.NoError(t, repo.Init(ctx))
		_, err = pool.Exec(ctx, `TRUNCATE identities`)
		require.NoError(t, err)
		return repo
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"syntax", &pgconn.PgError{Code: "42601"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("op", tc.err)
			assert.Equal(t, tc.unavailable, errors.Is(err, domain.ErrStorageUnavailable))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
