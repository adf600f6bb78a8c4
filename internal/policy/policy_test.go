package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasknotes/apigw/internal/auth/jwt"
)

func claimsWith(scopes []string, roles []string) *jwt.Claims {
	return &jwt.Claims{Scopes: scopes, Roles: roles}
}

func newEnforcedEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{Enforced: true})
	require.NoError(t, err)
	return e
}

func TestAuthorizeScopes(t *testing.T) {
	e := newEnforcedEngine(t)

	t.Run("read scope allows GET", func(t *testing.T) {
		d := e.Authorize(claimsWith([]string{"tasks:read"}, nil), "tasks", "GET")
		assert.True(t, d.Allowed)
		assert.Empty(t, d.Missing)
	})

	t.Run("read scope denies DELETE", func(t *testing.T) {
		d := e.Authorize(claimsWith([]string{"tasks:read"}, nil), "tasks", "DELETE")
		assert.False(t, d.Allowed)
		assert.Equal(t, []string{"tasks:write"}, d.Missing)
	})

	t.Run("write scope allows DELETE", func(t *testing.T) {
		d := e.Authorize(claimsWith([]string{"tasks:write"}, nil), "tasks", "DELETE")
		assert.True(t, d.Allowed)
	})

	t.Run("no claims denied", func(t *testing.T) {
		d := e.Authorize(nil, "tasks", "GET")
		assert.False(t, d.Allowed)
		assert.Equal(t, []string{"tasks:read"}, d.Missing)
	})
}

func TestAuthorizeAdminBypass(t *testing.T) {
	e := newEnforcedEngine(t)

	d := e.Authorize(claimsWith(nil, []string{"admin"}), "tasks", "DELETE")
	assert.True(t, d.Allowed)
}

func TestAuthorizeUnlistedOperations(t *testing.T) {
	e := newEnforcedEngine(t)

	t.Run("unlisted route", func(t *testing.T) {
		d := e.Authorize(claimsWith(nil, nil), "unknown", "GET")
		assert.True(t, d.Allowed)
	})

	t.Run("unlisted method", func(t *testing.T) {
		d := e.Authorize(claimsWith(nil, nil), "search", "DELETE")
		assert.True(t, d.Allowed)
	})
}

func TestAuthorizeDisabledEngine(t *testing.T) {
	e, err := NewEngine(Config{Enforced: false})
	require.NoError(t, err)

	d := e.Authorize(nil, "tasks", "DELETE")
	assert.True(t, d.Allowed)
}

func TestLoadTableFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `
tasks:
  get: [tasks:read]
  delete: [tasks:admin, tasks:write]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	e, err := NewEngine(Config{Enforced: true, File: path})
	require.NoError(t, err)

	// Method keys are matched case-insensitively against request methods.
	d := e.Authorize(claimsWith([]string{"tasks:read"}, nil), "tasks", "GET")
	assert.True(t, d.Allowed)

	d = e.Authorize(claimsWith([]string{"tasks:write"}, nil), "tasks", "DELETE")
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"tasks:admin"}, d.Missing)

	// The file replaces the built-in table entirely.
	d = e.Authorize(claimsWith(nil, nil), "user-profile", "DELETE")
	assert.True(t, d.Allowed)
}

func TestLoadTableErrors(t *testing.T) {
	_, err := NewEngine(Config{Enforced: true, File: "/nonexistent/policy.yaml"})
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks: [not, a, map]"), 0o600))
	_, err = NewEngine(Config{Enforced: true, File: path})
	assert.Error(t, err)
}
