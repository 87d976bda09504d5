// Package memory is an in-process identity store. A single mutex guards the
// record map and both unique indexes, so check-and-reserve is atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
)

type IdentityRepository struct {
	mu         sync.RWMutex
	byID       map[string]domain.Identity
	byUsername map[string]string
	byEmail    map[string]string

	now   func() time.Time
	newID func() (string, error)
}

// Option customises the repository, mostly for tests.
type Option func(*IdentityRepository)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *IdentityRepository) { r.now = now }
}

// WithIDGenerator overrides the id source.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(r *IdentityRepository) { r.newID = newID }
}

func NewIdentityRepository(opts ...Option) *IdentityRepository {
	r := &IdentityRepository{
		byID:       make(map[string]domain.Identity),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		now:        domain.Now,
		newID:      domain.NewID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *IdentityRepository) Init(context.Context) error { return nil }

func (r *IdentityRepository) Close() error { return nil }

func (r *IdentityRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return repository.Unavailable("ping memory", err)
	}
	return nil
}

func (r *IdentityRepository) Insert(ctx context.Context, draft domain.Draft) (*domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, repository.Unavailable("insert identity", err)
	}
	id, err := r.newID()
	if err != nil {
		return nil, err
	}
	email := domain.NormalizeEmail(draft.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, usernameTaken := r.byUsername[draft.Username]
	_, emailTaken := r.byEmail[email]
	if err := repository.NewConflict(usernameTaken, emailTaken); err != nil {
		return nil, err
	}

	now := r.now()
	identity := domain.Identity{
		ID:             id,
		Username:       draft.Username,
		Email:          email,
		CredentialHash: draft.CredentialHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.byID[id] = identity
	r.byUsername[identity.Username] = id
	r.byEmail[email] = id
	return &identity, nil
}

func (r *IdentityRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

func (r *IdentityRepository) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUsername[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.get(id)
}

func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.get(id)
}

func (r *IdentityRepository) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, repository.Unavailable("update identity", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !repository.CredentialMatches(patch, current.CredentialHash) {
		return nil, repository.ErrCredentialChanged
	}

	next := current
	if patch.Username != nil {
		next.Username = *patch.Username
	}
	if patch.Email != nil {
		next.Email = domain.NormalizeEmail(*patch.Email)
	}
	if patch.CredentialHash != nil {
		next.CredentialHash = *patch.CredentialHash
	}

	owner, taken := r.byUsername[next.Username]
	usernameConflict := taken && owner != id
	owner, taken = r.byEmail[next.Email]
	emailConflict := taken && owner != id
	if err := repository.NewConflict(usernameConflict, emailConflict); err != nil {
		return nil, err
	}

	next.UpdatedAt = r.now()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}

	delete(r.byUsername, current.Username)
	delete(r.byEmail, current.Email)
	r.byUsername[next.Username] = id
	r.byEmail[next.Email] = id
	r.byID[id] = next
	return &next, nil
}

func (r *IdentityRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(r.byUsername, current.Username)
	delete(r.byEmail, current.Email)
	delete(r.byID, id)
	return nil
}

func (r *IdentityRepository) List(ctx context.Context, offset, limit int) ([]domain.Identity, error) {
	r.mu.RLock()
	all := make([]domain.Identity, 0, len(r.byID))
	for _, identity := range r.byID {
		all = append(all, identity)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) || limit <= 0 {
		return []domain.Identity{}, nil
	}
	end := offset + min(limit, len(all)-offset)
	return all[offset:end], nil
}

// get must be called with r.mu held.
func (r *IdentityRepository) get(id string) (*domain.Identity, error) {
	identity, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &identity, nil
}
