package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
	"identity-core/internal/repository/repotest"
)

func TestIdentityRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.IdentityRepository {
		return NewIdentityRepository()
	})
}

func TestListTieBreaksOnID(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{"c", "a", "b"}
	next := 0
	repo := NewIdentityRepository(
		WithClock(func() time.Time { return at }),
		WithIDGenerator(func() (string, error) {
			id := ids[next]
			next++
			return id, nil
		}),
	)
	ctx := context.Background()
	for _, name := range []string{"carol", "alice", "bob"} {
		_, err := repo.Insert(ctx, domain.Draft{Username: name, Email: name + "@x.com", CredentialHash: "h"})
		require.NoError(t, err)
	}

	all, err := repo.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, "c", all[2].ID)
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := NewIdentityRepository(WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	created, err := repo.Insert(ctx, domain.Draft{Username: "alice", Email: "a@x.com", CredentialHash: "h"})
	require.NoError(t, err)

	clock = clock.Add(-time.Hour)
	name := "alice2"
	updated, err := repo.Update(ctx, created.ID, domain.Patch{Username: &name})
	require.NoError(t, err)
	assert.Equal(t, created.UpdatedAt, updated.UpdatedAt)
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	repo := NewIdentityRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Insert(ctx, domain.Draft{Username: "alice", Email: "a@x.com", CredentialHash: "h"})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, repo.Ping(ctx), domain.ErrStorageUnavailable)
}
