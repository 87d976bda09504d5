package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"identity-core/internal/domain"
)

// IdentityRepository persists identity records. Implementations own the
// uniqueness invariant: Insert and Update check and reserve username and email
// in one atomic step, so concurrent writers racing on the same value produce
// exactly one winner.
//
// Missing records are reported as domain.ErrNotFound and transient backend
// failures wrap domain.ErrStorageUnavailable. An Update whose
// Patch.IfCredentialHash no longer matches the stored hash changes nothing and
// returns ErrCredentialChanged.
type IdentityRepository interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, draft domain.Draft) (*domain.Identity, error)
	FindByID(ctx context.Context, id string) (*domain.Identity, error)
	FindByUsername(ctx context.Context, username string) (*domain.Identity, error)
	FindByEmail(ctx context.Context, email string) (*domain.Identity, error)
	Update(ctx context.Context, id string, patch domain.Patch) (*domain.Identity, error)
	Delete(ctx context.Context, id string) error
	// List returns records ordered by creation time, then id.
	List(ctx context.Context, offset, limit int) ([]domain.Identity, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// ErrCredentialChanged reports that a conditional update lost to a concurrent
// credential change.
var ErrCredentialChanged = errors.New("stored credential changed")

// CredentialMatches reports whether a conditional patch may apply to a record
// currently holding stored.
func CredentialMatches(patch domain.Patch, stored string) bool {
	return patch.IfCredentialHash == nil || *patch.IfCredentialHash == stored
}

// ConflictError names the unique fields that collided with another record.
type ConflictError struct {
	Fields []domain.Field
}

func (e *ConflictError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return "unique constraint conflict on " + strings.Join(names, ", ")
}

// NewConflict builds a ConflictError in canonical field order, or returns nil
// when neither field collided.
func NewConflict(username, email bool) error {
	var fields []domain.Field
	if username {
		fields = append(fields, domain.FieldUsername)
	}
	if email {
		fields = append(fields, domain.FieldEmail)
	}
	if len(fields) == 0 {
		return nil
	}
	return &ConflictError{Fields: fields}
}

// Unavailable wraps a transient backend error.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

// WithTimeout bounds every repository call by d. Timeouts belong to the
// storage layer; the service never sets its own.
func WithTimeout(repo IdentityRepository, d time.Duration) IdentityRepository {
	if d <= 0 {
		return repo
	}
	return &timeoutRepository{next: repo, timeout: d}
}

type timeoutRepository struct {
	next    IdentityRepository
	timeout time.Duration
}

func (r *timeoutRepository) Init(ctx context.Context) error {
	// migrations may legitimately run longer than a single query
	return r.next.Init(ctx)
}

func (r *timeoutRepository) Insert(ctx context.Context, draft domain.Draft) (*domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.Insert(ctx, draft)
}

func (r *timeoutRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.FindByID(ctx, id)
}

func (r *timeoutRepository) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.FindByUsername(ctx, username)
}

func (r *timeoutRepository) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.FindByEmail(ctx, email)
}

func (r *timeoutRepository) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.Update(ctx, id, patch)
}

func (r *timeoutRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.Delete(ctx, id)
}

func (r *timeoutRepository) List(ctx context.Context, offset, limit int) ([]domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.List(ctx, offset, limit)
}

func (r *timeoutRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.Ping(ctx)
}

func (r *timeoutRepository) Close() error {
	return r.next.Close()
}
