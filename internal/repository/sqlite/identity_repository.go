package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
)

const selectIdentity = `
SELECT id, username, email, credential_hash, created_at, updated_at
FROM identities`

type IdentityRepository struct {
	db    *sql.DB
	now   func() time.Time
	newID func() (string, error)
}

func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return &IdentityRepository{
		db:    db,
		now:   domain.Now,
		newID: domain.NewID,
	}
}

func (r *IdentityRepository) Init(ctx context.Context) error {
	if err := Migrate(ctx, r.db); err != nil {
		return fmt.Errorf("init identities: %w", err)
	}
	return nil
}

func (r *IdentityRepository) Close() error {
	return r.db.Close()
}

// Ping checks the database handle.
func (r *IdentityRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return repository.Unavailable("ping sqlite", err)
	}
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin insert", err)
	}
	defer tx.Rollback()

	if err := conflicts(ctx, tx, "", identity.Username, identity.Email); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO identities (id, username, email, credential_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		identity.ID,
		identity.Username,
		identity.Email,
		identity.CredentialHash,
		identity.CreatedAt.UnixMicro(),
		identity.UpdatedAt.UnixMicro(),
	); err != nil {
		return nil, classify("insert identity", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit insert", err)
	}
	return &identity, nil
}

func (r *IdentityRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	row := r.db.QueryRowContext(ctx, selectIdentity+` WHERE id = ?`, id)
	return scanIdentity(row)
}

func (r *IdentityRepository) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	row := r.db.QueryRowContext(ctx, selectIdentity+` WHERE username = ?`, username)
	return scanIdentity(row)
}

func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	row := r.db.QueryRowContext(ctx, selectIdentity+` WHERE email = ?`, domain.NormalizeEmail(email))
	return scanIdentity(row)
}

func (r *IdentityRepository) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Identity, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin update", err)
	}
	defer tx.Rollback()

	current, err := scanIdentity(tx.QueryRowContext(ctx, selectIdentity+` WHERE id = ?`, id))
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
	if err := conflicts(ctx, tx, id, next.Username, next.Email); err != nil {
		return nil, err
	}

	next.UpdatedAt = r.now()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE identities
SET username = ?, email = ?, credential_hash = ?, updated_at = ?
WHERE id = ?`,
		next.Username,
		next.Email,
		next.CredentialHash,
		next.UpdatedAt.UnixMicro(),
		id,
	); err != nil {
		return nil, classify("update identity", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit update", err)
	}
	return &next, nil
}

func (r *IdentityRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return classify("delete identity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete identity rows affected", err)
	}
	if n == 0 {
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

	rows, err := r.db.QueryContext(ctx, selectIdentity+`
ORDER BY created_at, id
LIMIT ? OFFSET ?`, limit, offset)
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

// conflicts reports which of username and email already belong to a record
// other than excludeID. It runs inside the caller's transaction.
func conflicts(ctx context.Context, tx *sql.Tx, excludeID, username, email string) error {
	rows, err := tx.QueryContext(ctx, `
SELECT username, email
FROM identities
WHERE (username = ? OR email = ?) AND id <> ?`,
		username, email, excludeID,
	)
	if err != nil {
		return classify("check uniqueness", err)
	}
	defer rows.Close()

	var usernameTaken, emailTaken bool
	for rows.Next() {
		var u, e string
		if err := rows.Scan(&u, &e); err != nil {
			return classify("scan uniqueness", err)
		}
		usernameTaken = usernameTaken || u == username
		emailTaken = emailTaken || e == email
	}
	if err := rows.Err(); err != nil {
		return classify("iterate uniqueness", err)
	}
	return repository.NewConflict(usernameTaken, emailTaken)
}

func scanIdentity(row interface {
	Scan(dest ...any) error
}) (*domain.Identity, error) {
	var (
		identity             domain.Identity
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.Email,
		&identity.CredentialHash,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, classify("scan identity", err)
	}
	identity.CreatedAt = time.UnixMicro(createdAt).UTC()
	identity.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &identity, nil
}

// classify maps driver errors onto the repository taxonomy. The unique
// indexes are the last line of defence should a write slip past conflicts().
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		if conflict := repository.NewConflict(
			strings.Contains(msg, "identities.username"),
			strings.Contains(msg, "identities.email"),
		); conflict != nil {
			return conflict
		}
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, sql.ErrConnDone),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "disk i/o error"),
		strings.Contains(msg, "unable to open database"):
		return repository.Unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
