// Package redis stores identities in Redis. Every mutation runs as a Lua
// script so that the uniqueness check and the index writes are applied as one
// atomic step on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"identity-core/internal/domain"
	"identity-core/internal/repository"
)

const DefaultKeyPrefix = "identity:"

// staleRetries bounds how often Update and Delete re-read a record that
// changed between the read and the script.
const staleRetries = 5

const (
	statusOK       = 0
	statusConflict = 1
	statusMissing  = -1
	statusStale    = -2
)

// KEYS: username, email, record, index
// ARGV: id, username, email, credential_hash, created_at, updated_at
var insertScript = goredis.NewScript(`
local u = redis.call('EXISTS', KEYS[1])
local e = redis.call('EXISTS', KEYS[2])
if u == 1 or e == 1 then
  return {1, u, e}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3],
  'id', ARGV[1], 'username', ARGV[2], 'email', ARGV[3],
  'credential_hash', ARGV[4], 'created_at', ARGV[5], 'updated_at', ARGV[6])
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
return {0, 0, 0}
`)

// KEYS: record, old username, old email, new username, new email
// ARGV: id, old username, old email, old updated_at, old credential_hash,
//       new username, new email, new credential_hash, new updated_at
var updateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0, 0}
end
local cur = redis.call('HMGET', KEYS[1], 'username', 'email', 'updated_at', 'credential_hash')
if cur[1] ~= ARGV[2] or cur[2] ~= ARGV[3] or cur[3] ~= ARGV[4] or cur[4] ~= ARGV[5] then
  return {-2, 0, 0}
end
local u = 0
local e = 0
local owner = redis.call('GET', KEYS[4])
if owner and owner ~= ARGV[1] then u = 1 end
owner = redis.call('GET', KEYS[5])
if owner and owner ~= ARGV[1] then e = 1 end
if u == 1 or e == 1 then
  return {1, u, e}
end
redis.call('DEL', KEYS[2], KEYS[3])
redis.call('SET', KEYS[4], ARGV[1])
redis.call('SET', KEYS[5], ARGV[1])
redis.call('HSET', KEYS[1],
  'username', ARGV[6], 'email', ARGV[7],
  'credential_hash', ARGV[8], 'updated_at', ARGV[9])
return {0, 0, 0}
`)

// KEYS: record, username, email, index
// ARGV: id, username, email
var deleteScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1}
end
local cur = redis.call('HMGET', KEYS[1], 'username', 'email')
if cur[1] ~= ARGV[2] or cur[2] ~= ARGV[3] then
  return {-2}
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('ZREM', KEYS[4], ARGV[1])
return {0}
`)

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, opts *goredis.Options) (*goredis.Client, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type IdentityRepository struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
	newID  func() (string, error)
}

func NewIdentityRepository(client goredis.UniversalClient, prefix string) *IdentityRepository {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &IdentityRepository{
		client: client,
		prefix: prefix,
		now:    domain.Now,
		newID:  domain.NewID,
	}
}

func (r *IdentityRepository) recordKey(id string) string { return r.prefix + "record:" + id }
func (r *IdentityRepository) usernameKey(u string) string { return r.prefix + "username:" + u }
func (r *IdentityRepository) emailKey(e string) string { return r.prefix + "email:" + e }
func (r *IdentityRepository) indexKey() string { return r.prefix + "identities" }

// Init loads the scripts so the first write does not pay for EVAL.
func (r *IdentityRepository) Init(ctx context.Context) error {
	for _, script := range []*goredis.Script{insertScript, updateScript, deleteScript} {
		if err := script.Load(ctx, r.client).Err(); err != nil {
			return classify("load script", err)
		}
	}
	return nil
}

func (r *IdentityRepository) Close() error {
	return r.client.Close()
}

func (r *IdentityRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return repository.Unavailable("ping redis", err)
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

	res, err := insertScript.Run(ctx, r.client,
		[]string{
			r.usernameKey(identity.Username),
			r.emailKey(identity.Email),
			r.recordKey(id),
			r.indexKey(),
		},
		identity.ID,
		identity.Username,
		identity.Email,
		identity.CredentialHash,
		identity.CreatedAt.UnixMicro(),
		identity.UpdatedAt.UnixMicro(),
	).Int64Slice()
	if err != nil {
		return nil, classify("insert identity", err)
	}
	if res[0] == statusConflict {
		return nil, repository.NewConflict(res[1] == 1, res[2] == 1)
	}
	return &identity, nil
}

func (r *IdentityRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return nil, classify("find identity", err)
	}
	return decode(fields)
}

func (r *IdentityRepository) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return r.findByIndex(ctx, r.usernameKey(username))
}

func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	return r.findByIndex(ctx, r.emailKey(domain.NormalizeEmail(email)))
}

func (r *IdentityRepository) findByIndex(ctx context.Context, key string) (*domain.Identity, error) {
	id, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, classify("resolve index", err)
	}
	return r.FindByID(ctx, id)
}

func (r *IdentityRepository) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Identity, error) {
	for attempt := 0; attempt < staleRetries; attempt++ {
		current, err := r.FindByID(ctx, id)
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

		res, err := updateScript.Run(ctx, r.client,
			[]string{
				r.recordKey(id),
				r.usernameKey(current.Username),
				r.emailKey(current.Email),
				r.usernameKey(next.Username),
				r.emailKey(next.Email),
			},
			id,
			current.Username,
			current.Email,
			strconv.FormatInt(current.UpdatedAt.UnixMicro(), 10),
			current.CredentialHash,
			next.Username,
			next.Email,
			next.CredentialHash,
			next.UpdatedAt.UnixMicro(),
		).Int64Slice()
		if err != nil {
			return nil, classify("update identity", err)
		}

		switch res[0] {
		case statusOK:
			return &next, nil
		case statusConflict:
			return nil, repository.NewConflict(res[1] == 1, res[2] == 1)
		case statusMissing:
			return nil, domain.ErrNotFound
		case statusStale:
			continue
		}
	}
	return nil, repository.Unavailable("update identity", errors.New("record kept changing under concurrent writers"))
}

func (r *IdentityRepository) Delete(ctx context.Context, id string) error {
	for attempt := 0; attempt < staleRetries; attempt++ {
		current, err := r.FindByID(ctx, id)
		if err != nil {
			return err
		}
		res, err := deleteScript.Run(ctx, r.client,
			[]string{
				r.recordKey(id),
				r.usernameKey(current.Username),
				r.emailKey(current.Email),
				r.indexKey(),
			},
			id,
			current.Username,
			current.Email,
		).Int64Slice()
		if err != nil {
			return classify("delete identity", err)
		}
		switch res[0] {
		case statusOK:
			return nil
		case statusMissing:
			return domain.ErrNotFound
		case statusStale:
			continue
		}
	}
	return repository.Unavailable("delete identity", errors.New("record kept changing under concurrent writers"))
}

// List walks the creation index. Members with equal scores are ordered
// lexicographically by id, which gives the created_at, id ordering.
func (r *IdentityRepository) List(ctx context.Context, offset, limit int) ([]domain.Identity, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []domain.Identity{}, nil
	}

	// ZRANGE stops are inclusive; keep offset+limit from overflowing
	stop := int64(offset) + min(int64(limit), math.MaxInt64-int64(offset)) - 1
	ids, err := r.client.ZRange(ctx, r.indexKey(), int64(offset), stop).Result()
	if err != nil {
		return nil, classify("list identities", err)
	}
	if len(ids) == 0 {
		return []domain.Identity{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classify("load identities", err)
	}

	out := make([]domain.Identity, 0, len(ids))
	for _, cmd := range cmds {
		identity, err := decode(cmd.Val())
		if errors.Is(err, domain.ErrNotFound) {
			// deleted between ZRANGE and HGETALL
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *identity)
	}
	return out, nil
}

func decode(fields map[string]string) (*domain.Identity, error) {
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	updatedAt, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &domain.Identity{
		ID:             fields["id"],
		Username:       fields["username"],
		Email:          fields["email"],
		CredentialHash: fields["credential_hash"],
		CreatedAt:      time.UnixMicro(createdAt).UTC(),
		UpdatedAt:      time.UnixMicro(updatedAt).UTC(),
	}, nil
}

func classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, goredis.ErrClosed),
		errors.Is(err, goredis.ErrPoolTimeout),
		errors.Is(err, io.EOF),
		errors.As(err, &netErr):
		return repository.Unavailable(op, err)
	}
	msg := err.Error()
	for _, transient := range []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"} {
		if strings.HasPrefix(msg, transient) {
			return repository.Unavailable(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
