package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
)

const selectIdentity = `
	SELECT id, username, email, credential_hash, created_at, updated_at
	FROM identities`

const (
	usernameConstraint = "identities_username_key"
	emailConstraint    = "identities_email_key"
)

// IdentityRepository implements repository.IdentityRepository backed by
// PostgreSQL (pgx). Uniqueness is enforced by the unique indexes; the
// violated constraint is translated into a ConflictError.
type IdentityRepository struct {
	pool  *pgxpool.Pool
	now   func() time.Time
	newID func() (string, error)
}

func NewIdentityRepository(pool *pgxpool.Pool) *IdentityRepository {
	return &IdentityRepository{
		pool:  pool,
		now:   domain.Now,
		newID: domain.NewID,
	}
}

func (r *IdentityRepository) Init(ctx context.Context) error {
	if err := Migrate(ctx, r.pool); err != nil {
		return classify("init identities", err)
	}
	return nil
}

func (r *IdentityRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *IdentityRepository) Insert(ctx context.Context, draft domain.Draft) (*domain.Identity, error) {
	id, err := r.newID()
	if err != nil {
		return nil, err
	}
	now := r.now()
	identity := domain.Identity{
		ID:             id,
		Username:       draft.Username,
		Email:          domain.NormalizeEmail(draft.Email),
		CredentialHash: draft.CredentialHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO identities (id, username, email, credential_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, identity.ID, identity.Username, identity.Email, identity.CredentialHash, identity.CreatedAt, identity.UpdatedAt)
	if err != nil {
		return nil, r.writeError(ctx, "insert identity", err, "", identity.Username, identity.Email)
	}
	return &identity, nil
}

func (r *IdentityRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	return scanIdentity(r.pool.QueryRow(ctx, selectIdentity+` WHERE id = $1`, id))
}

func (r *IdentityRepository) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return scanIdentity(r.pool.QueryRow(ctx, selectIdentity+` WHERE username = $1`, username))
}

func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	return scanIdentity(r.pool.QueryRow(ctx, selectIdentity+` WHERE lower(email) = $1`, domain.NormalizeEmail(email)))
}

func (r *IdentityRepository) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Identity, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin update", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanIdentity(tx.QueryRow(ctx, selectIdentity+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if !repository.CredentialMatches(patch, current.CredentialHash) {
		return nil, repository.ErrCredentialChanged
	}

	next := *current
	if patch.Username != nil {
		next.Username = *patch.Username
	}
	if patch.Email != nil {
		next.Email = domain.NormalizeEmail(*patch.Email)
	}
	if patch.CredentialHash != nil {
		next.CredentialHash = *patch.CredentialHash
	}
	next.UpdatedAt = r.now()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}

	if _, err := tx.Exec(ctx, `
		UPDATE identities
		SET username = $1, email = $2, credential_hash = $3, updated_at = $4
		WHERE id = $5
	`, next.Username, next.Email, next.CredentialHash, next.UpdatedAt, id); err != nil {
		tx.Rollback(ctx)
		return nil, r.writeError(ctx, "update identity", err, id, next.Username, next.Email)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, r.writeError(ctx, "commit update", err, id, next.Username, next.Email)
	}
	return &next, nil
}

func (r *IdentityRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return classify("delete identity", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *IdentityRepository) List(ctx context.Context, offset, limit int) ([]domain.Identity, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []domain.Identity{}, nil
	}

	rows, err := r.pool.Query(ctx, selectIdentity+`
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, classify("list identities", err)
	}
	defer rows.Close()

	out := []domain.Identity{}
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate identities", err)
	}
	return out, nil
}

// Ping checks connectivity.
func (r *IdentityRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return repository.Unavailable("ping postgres", err)
	}
	return nil
}

// writeError turns a unique violation into a ConflictError naming every
// colliding field. The violated constraint only names one index, so the
// other field is looked up after the failed statement.
func (r *IdentityRepository) writeError(ctx context.Context, op string, err error, excludeID, username, email string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return classify(op, err)
	}

	usernameTaken := pgErr.ConstraintName == usernameConstraint
	emailTaken := pgErr.ConstraintName == emailConstraint

	rows, qerr := r.pool.Query(ctx, `
		SELECT username, lower(email)
		FROM identities
		WHERE (username = $1 OR lower(email) = $2) AND id <> $3
	`, username, email, excludeID)
	if qerr == nil {
		defer rows.Close()
		for rows.Next() {
			var u, e string
			if rows.Scan(&u, &e) != nil {
				break
			}
			usernameTaken = usernameTaken || u == username
			emailTaken = emailTaken || e == email
		}
	}

	if conflict := repository.NewConflict(usernameTaken, emailTaken); conflict != nil {
		return conflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

func scanIdentity(row pgx.Row) (*domain.Identity, error) {
	var identity domain.Identity
	if err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.Email,
		&identity.CredentialHash,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, classify("scan identity", err)
	}
	identity.CreatedAt = identity.CreatedAt.UTC()
	identity.UpdatedAt = identity.UpdatedAt.UTC()
	return &identity, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return repository.Unavailable(op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return repository.Unavailable(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P"), // operator intervention
			pgErr.Code == "40001", pgErr.Code == "40P01":
			return repository.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) {
		return repository.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
