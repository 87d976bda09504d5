package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"identity-core/internal/config"
	"identity-core/internal/repository"
	"identity-core/internal/repository/memory"
	"identity-core/internal/repository/postgres"
	redisstore "identity-core/internal/repository/redis"
	"identity-core/internal/repository/sqlite"
)

// openRepository connects the configured backend and bounds every call by
// database.timeout.
func openRepository(ctx context.Context, cfg config.Config) (repository.IdentityRepository, error) {
	if cfg.Database.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Database.Timeout)
		defer cancel()
	}

	var repo repository.IdentityRepository
	switch cfg.Database.Driver {
	case config.DriverMemory:
		repo = memory.NewIdentityRepository()
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		repo = sqlite.NewIdentityRepository(db)
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		repo = postgres.NewIdentityRepository(pool)
	case config.DriverRedis:
		client, err := redisstore.Connect(ctx, &goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		repo = redisstore.NewIdentityRepository(client, cfg.Redis.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	return repository.WithTimeout(repo, cfg.Database.Timeout), nil
}
