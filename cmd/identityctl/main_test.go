package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-core/internal/credential"
	"identity-core/internal/domain"
	"identity-core/internal/repository"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IDENTITY_DATABASE_DRIVER", "sqlite")
	t.Setenv("IDENTITY_DATABASE_PATH", filepath.Join(t.TempDir(), "identity.db"))
	t.Setenv("IDENTITY_HASHER_TIME", "1")
	t.Setenv("IDENTITY_HASHER_MEMORY", "1024")
	t.Setenv("IDENTITY_HASHER_THREADS", "1")
	t.Setenv("IDENTITY_HASHER_WORKERS", "2")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	var out bytes.Buffer
	app := newApp(logger, &out)
	err := app.RunContext(context.Background(), append([]string{"identityctl"}, args...))
	return out.String(), err
}

func decodeView(t *testing.T, out string) domain.View {
	t.Helper()
	var view domain.View
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	return view
}

func TestLifecycle(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "migrate")
	require.NoError(t, err)

	out, err := run(t, "register", "--username", "alice", "--email", "Alice@X.com", "--secret", "secretpw12")
	require.NoError(t, err)
	alice := decodeView(t, out)
	assert.Equal(t, "alice", alice.Username)
	assert.Equal(t, "alice@x.com", alice.Email)
	assert.NotContains(t, out, "credential")
	assert.NotContains(t, out, "secretpw12")

	_, err = run(t, "register", "--username", "alice", "--email", "b@y.com", "--secret", "other123!")
	assert.Equal(t, exitDuplicate, exitCode(err))

	out, err = run(t, "get", "--email", "ALICE@x.com")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, decodeView(t, out).ID)

	out, err = run(t, "verify", "--username", "alice", "--secret", "secretpw12")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, decodeView(t, out).ID)

	_, err = run(t, "verify", "--username", "alice", "--secret", "wrong-secret")
	assert.Equal(t, exitInvalidCredentials, exitCode(err))

	out, err = run(t, "update", "--username", "alice2", alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice2", decodeView(t, out).Username)

	out, err = run(t, "list", "--limit", "5")
	require.NoError(t, err)
	var views []domain.View
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "alice2", views[0].Username)

	_, err = run(t, "delete", alice.ID)
	require.NoError(t, err)
	_, err = run(t, "get", alice.ID)
	assert.Equal(t, exitNotFound, exitCode(err))

	out, err = run(t, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok"`)
}

func TestRegisterReportsMissingFields(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "register", "--username", "alice")
	assert.Equal(t, exitValidation, exitCode(err))

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Violations.Has(domain.FieldEmail, domain.ViolationRequired))
	assert.True(t, verr.Violations.Has(domain.FieldSecret, domain.ViolationRequired))
}

func TestUnknownDriverFailsSetup(t *testing.T) {
	setupEnv(t)
	t.Setenv("IDENTITY_DATABASE_DRIVER", "mongo")

	_, err := run(t, "ping")
	assert.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&domain.ValidationError{}, exitValidation},
		{&domain.DuplicateIdentityError{Fields: []domain.Field{domain.FieldEmail}}, exitDuplicate},
		{fmt.Errorf("get: %w", domain.ErrNotFound), exitNotFound},
		{domain.ErrInvalidCredentials, exitInvalidCredentials},
		{credential.ErrCredentialTooLong, exitCredential},
		{repository.Unavailable("ping", context.DeadlineExceeded), exitUnavailable},
		{errors.New("boom"), exitFailure},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, exitCode(tc.err), tc.err.Error())
	}
}
