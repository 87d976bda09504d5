package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
	"identity-core/internal/repository/memory"
)

// blockingRepository waits for its context on every lookup.
type blockingRepository struct {
	repository.IdentityRepository
}

func (blockingRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	<-ctx.Done()
	return nil, repository.Unavailable("find identity", ctx.Err())
}

func TestWithTimeoutBoundsCalls(t *testing.T) {
	repo := repository.WithTimeout(blockingRepository{memory.NewIdentityRepository()}, 20*time.Millisecond)

	start := time.Now()
	_, err := repo.FindByID(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWithTimeoutZeroIsPassThrough(t *testing.T) {
	inner := memory.NewIdentityRepository()
	assert.Same(t, inner, repository.WithTimeout(inner, 0))
}

func TestWithTimeoutDelegates(t *testing.T) {
	repo := repository.WithTimeout(memory.NewIdentityRepository(), time.Second)
	ctx := context.Background()

	created, err := repo.Insert(ctx, domain.Draft{Username: "alice", Email: "a@x.com", CredentialHash: "h"})
	require.NoError(t, err)
	found, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	require.NoError(t, repo.Ping(ctx))
}

func TestNewConflict(t *testing.T) {
	assert.NoError(t, repository.NewConflict(false, false))

	err := repository.NewConflict(true, true)
	var conflict *repository.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []domain.Field{domain.FieldUsername, domain.FieldEmail}, conflict.Fields)
	assert.Equal(t, "unique constraint conflict on username, email", err.Error())
}
