// Package repotest holds the behaviour every IdentityRepository backend must
// share. Backend packages call Run from their own tests.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
)

// Factory returns an empty, initialised repository. Cleanup belongs to t.
type Factory func(t *testing.T) repository.IdentityRepository

func Run(t *testing.T, newRepo Factory) {
	t.Run("InsertAndFind", func(t *testing.T) { testInsertAndFind(t, newRepo(t)) })
	t.Run("FindMissing", func(t *testing.T) { testFindMissing(t, newRepo(t)) })
	t.Run("InsertConflicts", func(t *testing.T) { testInsertConflicts(t, newRepo(t)) })
	t.Run("ConcurrentInsertHasOneWinner", func(t *testing.T) { testConcurrentInsert(t, newRepo(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newRepo(t)) })
	t.Run("UpdateConflictLeavesRecord", func(t *testing.T) { testUpdateConflict(t, newRepo(t)) })
	t.Run("ConditionalCredentialUpdate", func(t *testing.T) { testConditionalCredential(t, newRepo(t)) })
	t.Run("DeleteFreesNames", func(t *testing.T) { testDelete(t, newRepo(t)) })
	t.Run("ListOrderAndPaging", func(t *testing.T) { testList(t, newRepo(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newRepo(t).Ping(context.Background())) })
}

func draft(username, email string) domain.Draft {
	return domain.Draft{Username: username, Email: email, CredentialHash: "$argon2id$test$" + username}
}

func conflictFields(t *testing.T, err error) []domain.Field {
	t.Helper()
	var conflict *repository.ConflictError
	require.ErrorAs(t, err, &conflict)
	return conflict.Fields
}

func testInsertAndFind(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()

	created, err := repo.Insert(ctx, draft("alice", "Alice@Example.com"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice@example.com", created.Email)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	byID, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, byID)

	byUsername, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byUsername.ID)

	byEmail, err := repo.FindByEmail(ctx, "ALICE@example.COM")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)
}

func testFindMissing(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()

	_, err := repo.FindByID(ctx, "0190d2a4-0000-7000-8000-000000000000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.FindByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testInsertConflicts(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()

	_, err := repo.Insert(ctx, draft("alice", "a@x.com"))
	require.NoError(t, err)
	_, err = repo.Insert(ctx, draft("bob", "b@x.com"))
	require.NoError(t, err)

	_, err = repo.Insert(ctx, draft("alice", "c@x.com"))
	assert.Equal(t, []domain.Field{domain.FieldUsername}, conflictFields(t, err))

	_, err = repo.Insert(ctx, draft("carol", "A@X.COM"))
	assert.Equal(t, []domain.Field{domain.FieldEmail}, conflictFields(t, err))

	_, err = repo.Insert(ctx, draft("alice", "b@x.com"))
	assert.Equal(t, []domain.Field{domain.FieldUsername, domain.FieldEmail}, conflictFields(t, err))

	all, err := repo.List(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	_, err = repo.FindByUsername(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.FindByEmail(ctx, "c@x.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testConcurrentInsert(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()
	const n = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := repo.Insert(ctx, draft("racer", fmt.Sprintf("racer%d@x.com", i)))

			mu.Lock()
			defer mu.Unlock()
			var conflict *repository.ConflictError
			switch {
			case err == nil:
				winners++
			case errors.As(err, &conflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, 1, winners)
	assert.Equal(t, n-1, conflicts)

	all, err := repo.List(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testUpdate(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()

	created, err := repo.Insert(ctx, draft("alice", "a@x.com"))
	require.NoError(t, err)

	email := "New@X.com"
	updated, err := repo.Update(ctx, created.ID, domain.Patch{Email: &email})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "alice", updated.Username)
	assert.Equal(t, "new@x.com", updated.Email)
	assert.Equal(t, created.CredentialHash, updated.CredentialHash)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	stored, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, stored)

	_, err = repo.FindByEmail(ctx, "a@x.com")
	assert.ErrorIs(t, err, domain.ErrNotFound, "old email must be released")

	// re-asserting its own values is not a conflict
	same := "alice"
	_, err = repo.Update(ctx, created.ID, domain.Patch{Username: &same, Email: &email})
	require.NoError(t, err)

	_, err = repo.Update(ctx, "0190d2a4-0000-7000-8000-000000000000", domain.Patch{Username: &same})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testUpdateConflict(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()

	alice, err := repo.Insert(ctx, draft("alice", "a@x.com"))
	require.NoError(t, err)
	bob, err := repo.Insert(ctx, draft("bob", "b@x.com"))
	require.NoError(t, err)

	taken := "alice"
	_, err = repo.Update(ctx, bob.ID, domain.Patch{Username: &taken})
	assert.Equal(t, []domain.Field{domain.FieldUsername}, conflictFields(t, err))

	takenEmail := "A@x.com"
	hash := "$argon2id$other"
	_, err = repo.Update(ctx, bob.ID, domain.Patch{Username: &taken, Email: &takenEmail, CredentialHash: &hash})
	assert.Equal(t, []domain.Field{domain.FieldUsername, domain.FieldEmail}, conflictFields(t, err))

	stored, err := repo.FindByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, stored)

	owner, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, owner.ID)
}

func testConditionalCredential(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()

	created, err := repo.Insert(ctx, draft("alice", "a@x.com"))
	require.NoError(t, err)

	stale := "$argon2id$test$someone-else"
	rehashed := "$argon2id$rehashed"
	_, err = repo.Update(ctx, created.ID, domain.Patch{CredentialHash: &rehashed, IfCredentialHash: &stale})
	assert.ErrorIs(t, err, repository.ErrCredentialChanged)

	stored, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, stored)

	updated, err := repo.Update(ctx, created.ID, domain.Patch{CredentialHash: &rehashed, IfCredentialHash: &created.CredentialHash})
	require.NoError(t, err)
	assert.Equal(t, rehashed, updated.CredentialHash)

	// the old hash no longer matches once replaced
	again := "$argon2id$again"
	_, err = repo.Update(ctx, created.ID, domain.Patch{CredentialHash: &again, IfCredentialHash: &created.CredentialHash})
	assert.ErrorIs(t, err, repository.ErrCredentialChanged)
}

func testDelete(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()

	created, err := repo.Insert(ctx, draft("alice", "a@x.com"))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, created.ID))
	assert.ErrorIs(t, repo.Delete(ctx, created.ID), domain.ErrNotFound)

	_, err = repo.FindByID(ctx, created.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.FindByUsername(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	again, err := repo.Insert(ctx, draft("alice", "a@x.com"))
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, again.ID)
}

func testList(t *testing.T, repo repository.IdentityRepository) {
	ctx := context.Background()

	const n = 7
	for i := 0; i < n; i++ {
		_, err := repo.Insert(ctx, draft(fmt.Sprintf("user%02d", i), fmt.Sprintf("user%02d@x.com", i)))
		require.NoError(t, err)
	}

	all, err := repo.List(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, n)
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	}))

	var paged []domain.Identity
	for offset := 0; offset < n; offset += 3 {
		page, err := repo.List(ctx, offset, 3)
		require.NoError(t, err)
		paged = append(paged, page...)
	}
	assert.Equal(t, all, paged)

	empty, err := repo.List(ctx, n, 3)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	none, err := repo.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	tail, err := repo.List(ctx, 1, math.MaxInt)
	require.NoError(t, err)
	assert.Equal(t, all[1:], tail)

	huge, err := repo.List(ctx, math.MaxInt, math.MaxInt)
	require.NoError(t, err)
	assert.Empty(t, huge)
}
