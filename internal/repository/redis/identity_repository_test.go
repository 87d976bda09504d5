package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
	"identity-core/internal/repository/repotest"
)

func TestIdentityRepository(t *testing.T) {
	addr := os.Getenv("IDENTITY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IDENTITY_TEST_REDIS_ADDR not set")
	}

	repotest.Run(t, func(t *testing.T) repository.IdentityRepository {
		ctx := context.Background()
		client, err := Connect(ctx, &goredis.Options{Addr: addr})
		require.NoError(t, err)

		prefix := "identity-test:" + uuid.NewString() + ":"
		repo := NewIdentityRepository(client, prefix)
		t.Cleanup(func() {
			keys, _ := client.Keys(context.Background(), prefix+"*").Result()
			if len(keys) > 0 {
				client.Del(context.Background(), keys...)
			}
			repo.Close()
		})
		require.NoError(t, repo.Init(ctx))
		return repo
	})
}

func TestDecode(t *testing.T) {
	_, err := decode(map[string]string{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	identity, err := decode(map[string]string{
		"id":              "id-1",
		"username":        "alice",
		"email":           "a@x.com",
		"credential_hash": "h",
		"created_at":      "1714564800000001",
		"updated_at":      "1714564800000002",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 1000, time.UTC), identity.CreatedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 2000, time.UTC), identity.UpdatedAt)

	_, err = decode(map[string]string{"id": "id-1", "created_at": "yesterday"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify("op", context.DeadlineExceeded), domain.ErrStorageUnavailable)
	assert.ErrorIs(t, classify("op", goredis.ErrClosed), domain.ErrStorageUnavailable)
	assert.ErrorIs(t, classify("op", errors.New("LOADING Redis is loading the dataset in memory")), domain.ErrStorageUnavailable)
	assert.NotErrorIs(t, classify("op", errors.New("ERR syntax error")), domain.ErrStorageUnavailable)
}

func TestDefaultPrefix(t *testing.T) {
	repo := NewIdentityRepository(nil, "")
	assert.Equal(t, "identity:username:alice", repo.usernameKey("alice"))
	assert.Equal(t, "identity:record:1", repo.recordKey("1"))
}
