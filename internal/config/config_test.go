package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-core/internal/credential"
)

// chdir moves into an empty directory so no stray .env or config file is read.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "data/identity.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Database.Timeout)
	assert.Equal(t, "identity:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "argon2id", cfg.Hasher.Algorithm)
	assert.Equal(t, runtime.NumCPU(), cfg.Hasher.Workers)
	assert.Equal(t, "info", cfg.Log.Level)

	params := cfg.HasherParams()
	assert.Equal(t, credential.DefaultParams(), params)
}

func TestLoadFromEnvironment(t *testing.T) {
	chdir(t)
	t.Setenv("IDENTITY_DATABASE_DRIVER", "redis")
	t.Setenv("IDENTITY_DATABASE_TIMEOUT", "250ms")
	t.Setenv("IDENTITY_REDIS_DB", "3")
	t.Setenv("IDENTITY_HASHER_ALGORITHM", "bcrypt")
	t.Setenv("IDENTITY_HASHER_BCRYPTCOST", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Database.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Database.Timeout)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, credential.Bcrypt, cfg.HasherParams().Algorithm)
	assert.Equal(t, 10, cfg.HasherParams().BcryptCost)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("IDENTITY_LOG_LEVEL=debug\nIDENTITY_DATABASE_PATH=from-dotenv.db\n"), 0o600))
	t.Setenv("IDENTITY_DATABASE_PATH", "from-env.db")
	// godotenv sets variables directly; make sure they do not leak
	t.Setenv("IDENTITY_LOG_LEVEL", "")
	os.Unsetenv("IDENTITY_LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "from-env.db", cfg.Database.Path)
}

func TestLoadRejectsMalformedDotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("IDENTITY_LOG_LEVEL='debug\n"), 0o600))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".env")
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":    {"IDENTITY_DATABASE_DRIVER": "mongo"},
		"algorithm": {"IDENTITY_HASHER_ALGORITHM": "md5"},
		"postgres":  {"IDENTITY_DATABASE_DRIVER": "postgres"},
		"level":     {"IDENTITY_LOG_LEVEL": "loud"},
		"format":    {"IDENTITY_LOG_FORMAT": "xml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			chdir(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
