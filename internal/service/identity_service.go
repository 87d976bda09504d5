package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
	"identity-core/internal/validate"
	"identity-core/internal/worker"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// CredentialHasher is the subset of credential.Hasher the service relies on.
type CredentialHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) (bool, error)
	NeedsRehash(encoded string) (bool, error)
}

// IdentityService is the single entry point for identity reads and writes.
// Every returned record is a View; credential hashes never leave the service.
type IdentityService interface {
	Register(ctx context.Context, raw validate.Raw) (*domain.View, error)
	Get(ctx context.Context, id string) (*domain.View, error)
	GetByUsername(ctx context.Context, username string) (*domain.View, error)
	GetByEmail(ctx context.Context, email string) (*domain.View, error)
	Update(ctx context.Context, id string, raw validate.Raw) (*domain.View, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, offset, limit int) ([]domain.View, error)
	Authenticate(ctx context.Context, username, secret string) (*domain.View, error)
	Ping(ctx context.Context) error
}

type identityService struct {
	identities repository.IdentityRepository
	hasher     CredentialHasher
	pool       *worker.Pool
	logger     logrus.FieldLogger
}

func NewIdentityService(identities repository.IdentityRepository, hasher CredentialHasher, pool *worker.Pool, logger logrus.FieldLogger) IdentityService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pool == nil {
		pool = worker.New(worker.Config{Logger: logger})
	}
	return &identityService{
		identities: identities,
		hasher:     hasher,
		pool:       pool,
		logger:     logger,
	}
}

func (s *identityService) Register(ctx context.Context, raw validate.Raw) (*domain.View, error) {
	input, violations := validate.CreationInput(raw)
	if len(violations) > 0 {
		s.logger.WithField("fields", violations.Fields()).Debug("registration rejected")
		return nil, &domain.ValidationError{Violations: violations}
	}
	if err := s.precheck(ctx, "register", "", &input.Username, &input.Email); err != nil {
		return nil, err
	}

	hash, err := s.hash(ctx, input.Secret)
	if err != nil {
		return nil, err
	}

	identity, err := s.identities.Insert(ctx, domain.Draft{
		Username:       input.Username,
		Email:          input.Email,
		CredentialHash: hash,
	})
	if err != nil {
		return nil, s.writeError("register", err, logrus.Fields{"username": input.Username})
	}

	s.logger.WithFields(logrus.Fields{
		"identity_id": identity.ID,
		"username":    identity.Username,
	}).Info("identity registered")
	return view(identity), nil
}

func (s *identityService) Get(ctx context.Context, id string) (*domain.View, error) {
	identity, err := s.identities.FindByID(ctx, id)
	if err != nil {
		return nil, s.readError("get", err)
	}
	return view(identity), nil
}

func (s *identityService) GetByUsername(ctx context.Context, username string) (*domain.View, error) {
	identity, err := s.identities.FindByUsername(ctx, username)
	if err != nil {
		return nil, s.readError("get by username", err)
	}
	return view(identity), nil
}

func (s *identityService) GetByEmail(ctx context.Context, email string) (*domain.View, error) {
	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		return nil, s.readError("get by email", err)
	}
	return view(identity), nil
}

func (s *identityService) Update(ctx context.Context, id string, raw validate.Raw) (*domain.View, error) {
	input, violations := validate.UpdateInput(raw)
	if len(violations) > 0 {
		s.logger.WithFields(logrus.Fields{
			"identity_id": id,
			"fields":      violations.Fields(),
		}).Debug("update rejected")
		return nil, &domain.ValidationError{Violations: violations}
	}
	if input.Empty() {
		return s.Get(ctx, id)
	}
	if err := s.precheck(ctx, "update", id, input.Username, input.Email); err != nil {
		return nil, err
	}

	patch := domain.Patch{
		Username: input.Username,
		Email:    input.Email,
	}
	if input.Secret != nil {
		hash, err := s.hash(ctx, *input.Secret)
		if err != nil {
			return nil, err
		}
		patch.CredentialHash = &hash
	}

	identity, err := s.identities.Update(ctx, id, patch)
	if err != nil {
		return nil, s.writeError("update", err, logrus.Fields{"identity_id": id})
	}

	s.logger.WithFields(logrus.Fields{
		"identity_id":    identity.ID,
		"secret_changed": patch.CredentialHash != nil,
	}).Info("identity updated")
	return view(identity), nil
}

func (s *identityService) Delete(ctx context.Context, id string) error {
	if err := s.identities.Delete(ctx, id); err != nil {
		return s.readError("delete", err)
	}
	s.logger.WithField("identity_id", id).Info("identity deleted")
	return nil
}

func (s *identityService) List(ctx context.Context, offset, limit int) ([]domain.View, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	identities, err := s.identities.List(ctx, offset, limit)
	if err != nil {
		return nil, s.readError("list", err)
	}
	out := make([]domain.View, len(identities))
	for i := range identities {
		out[i] = identities[i].View()
	}
	return out, nil
}

// Authenticate checks a secret against the stored hash. An unknown username
// and a wrong secret produce the same error. Hashes made with outdated
// parameters are replaced on success.
func (s *identityService) Authenticate(ctx context.Context, username, secret string) (*domain.View, error) {
	identity, err := s.identities.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, s.readError("authenticate", err)
	}

	ok, err := worker.Run(ctx, s.pool, func() (bool, error) {
		return s.hasher.Verify(secret, identity.CredentialHash)
	})
	if err != nil {
		s.logger.WithField("identity_id", identity.ID).WithError(err).Error("verify credential")
		return nil, fmt.Errorf("verify credential: %w", err)
	}
	if !ok {
		s.logger.WithField("identity_id", identity.ID).Info("authentication failed")
		return nil, domain.ErrInvalidCredentials
	}

	s.rehash(ctx, identity, secret)
	return view(identity), nil
}

func (s *identityService) Ping(ctx context.Context) error {
	return s.identities.Ping(ctx)
}

// rehash upgrades a stored hash to the current parameters. Failures only cost
// another attempt on the next login.
func (s *identityService) rehash(ctx context.Context, identity *domain.Identity, secret string) {
	log := s.logger.WithField("identity_id", identity.ID)

	stale, err := s.hasher.NeedsRehash(identity.CredentialHash)
	if err != nil || !stale {
		return
	}
	hash, err := s.hash(ctx, secret)
	if err != nil {
		log.WithError(err).Warn("rehash credential")
		return
	}
	updated, err := s.identities.Update(ctx, identity.ID, domain.Patch{
		CredentialHash:   &hash,
		IfCredentialHash: &identity.CredentialHash,
	})
	if errors.Is(err, repository.ErrCredentialChanged) {
		log.Debug("credential changed during rehash, keeping the stored one")
		return
	}
	if err != nil {
		log.WithError(err).Warn("store rehashed credential")
		return
	}
	*identity = *updated
	log.Info("credential rehashed")
}

// precheck rejects names already held by another identity before any hashing
// is paid for. It is advisory: Insert and Update repeat the check atomically.
func (s *identityService) precheck(ctx context.Context, op, id string, username, email *string) error {
	var usernameTaken, emailTaken bool
	if username != nil {
		owner, err := s.identities.FindByUsername(ctx, *username)
		switch {
		case err == nil:
			usernameTaken = owner.ID != id
		case !errors.Is(err, domain.ErrNotFound):
			return s.readError(op, err)
		}
	}
	if email != nil {
		owner, err := s.identities.FindByEmail(ctx, *email)
		switch {
		case err == nil:
			emailTaken = owner.ID != id
		case !errors.Is(err, domain.ErrNotFound):
			return s.readError(op, err)
		}
	}
	if conflict := repository.NewConflict(usernameTaken, emailTaken); conflict != nil {
		return s.writeError(op, conflict, logrus.Fields{"identity_id": id})
	}
	return nil
}

func (s *identityService) hash(ctx context.Context, secret string) (string, error) {
	return worker.Run(ctx, s.pool, func() (string, error) {
		return s.hasher.Hash(secret)
	})
}

func (s *identityService) writeError(op string, err error, fields logrus.Fields) error {
	var conflict *repository.ConflictError
	if errors.As(err, &conflict) {
		s.logger.WithFields(fields).WithField("fields", conflict.Fields).Info(op + ": duplicate identity")
		return &domain.DuplicateIdentityError{Fields: conflict.Fields}
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	s.logger.WithFields(fields).WithError(err).Error(op + " failed")
	return err
}

func (s *identityService) readError(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	s.logger.WithError(err).Error(op + " failed")
	return err
}

func view(identity *domain.Identity) *domain.View {
	v := identity.View()
	return &v
}
