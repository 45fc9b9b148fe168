package rbac_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"tangled.sh/tangled.sh/bobbin/rbac"

	adapter "github.com/Blank-Xu/sql-adapter"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *rbac.Enforcer {
	db, err := sql.Open("sqlite3", ":memory:")
	assert.NoError(t, err)

	a, err := adapter.NewAdapter(db, "sqlite3", "acl")
	assert.NoError(t, err)

	m, err := model.NewModelFromString(rbac.Model)
	assert.NoError(t, err)

	e, err := casbin.NewEnforcer(m, a)
	assert.NoError(t, err)

	e.EnableAutoSave(false)

	return &rbac.Enforcer{E: e}
}

func TestServerOwner(t *testing.T) {
	e := setup(t)

	err := e.AddServerOwner(rbac.Owner)
	assert.NoError(t, err)

	isOwner, err := e.IsServerOwner(rbac.Owner)
	assert.NoError(t, err)
	assert.True(t, isOwner)

	ok, err := e.IsAclManageAllowed(rbac.Owner)
	assert.NoError(t, err)
	assert.True(t, ok)

	// owners manage every pipeline without being a maintainer
	ok, err = e.IsSecretsManageAllowed(rbac.Owner, "ci")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestMaintainer(t *testing.T) {
	e := setup(t)

	assert.NoError(t, e.AddServerOwner(rbac.Owner))
	assert.NoError(t, e.AddMaintainer("ci", "alice"))
	assert.NoError(t, e.AddMaintainer("release", "alice"))
	assert.NoError(t, e.AddMaintainer("ci", "bob"))

	ok, err := e.IsSecretsManageAllowed("alice", "ci")
	assert.NoError(t, err)
	assert.True(t, ok)

	// negated checks here
	ok, err = e.IsSecretsManageAllowed("bob", "release")
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.IsAclManageAllowed("alice")
	assert.NoError(t, err)
	assert.False(t, ok)

	isOwner, err := e.IsServerOwner("alice")
	assert.NoError(t, err)
	assert.False(t, isOwner)

	maintainers, err := e.GetMaintainers("ci")
	assert.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, maintainers)

	pipelines, err := e.GetPipelinesForUser("alice")
	assert.NoError(t, err)
	assert.Equal(t, []string{"ci", "release"}, pipelines)
}

func TestRemoveMaintainer(t *testing.T) {
	e := setup(t)

	assert.NoError(t, e.AddMaintainer("ci", "alice"))
	assert.NoError(t, e.RemoveMaintainer("ci", "alice"))

	ok, err := e.IsSecretsManageAllowed("alice", "ci")
	assert.NoError(t, err)
	assert.False(t, ok)

	maintainers, err := e.GetMaintainers("ci")
	assert.NoError(t, err)
	assert.Empty(t, maintainers)
}

func TestPoliciesPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bobbin.db")

	e, err := rbac.NewEnforcer(path)
	require.NoError(t, err)
	require.NoError(t, e.AddServerOwner(rbac.Owner))
	require.NoError(t, e.AddMaintainer("ci", "alice"))
	require.NoError(t, e.E.SavePolicy())

	e, err = rbac.NewEnforcer(path)
	require.NoError(t, err)

	ok, err := e.IsSecretsManageAllowed("alice", "ci")
	assert.NoError(t, err)
	assert.True(t, ok)

	isOwner, err := e.IsServerOwner(rbac.Owner)
	assert.NoError(t, err)
	assert.True(t, isOwner)
}

func TestPruneMaintainers(t *testing.T) {
	e := setup(t)

	assert.NoError(t, e.AddMaintainer("ci", "alice"))
	assert.NoError(t, e.AddMaintainer("ci", "bob"))
	assert.NoError(t, e.AddMaintainer("release", "bob"))

	err := e.PruneMaintainers(func(user string) bool { return user == "alice" })
	assert.NoError(t, err)

	maintainers, err := e.GetMaintainers("ci")
	assert.NoError(t, err)
	assert.Equal(t, []string{"alice"}, maintainers)

	ok, err := e.IsSecretsManageAllowed("bob", "release")
	assert.NoError(t, err)
	assert.False(t, ok)
}
