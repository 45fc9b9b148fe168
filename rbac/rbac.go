package rbac

import (
	"database/sql"
	"slices"

	adapter "github.com/Blank-Xu/sql-adapter"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	_ "github.com/mattn/go-sqlite3"
)

const (
	ThisServer = "thisserver" // domain for server-wide roles

	// Owner is the subject the admin token authenticates as.
	Owner = "admin"
)

const (
	Model = `
[request_definition]
r = sub, dom, act

[policy_definition]
p = sub, dom, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.act == p.act && r.dom == p.dom && g(r.sub, p.sub, r.dom)
`
)

const (
	roleOwner      = "server:owner"
	roleMaintainer = "pipeline:maintainer"

	actManageAcl     = "acl:manage"
	actManageSecrets = "secrets:manage"
)

type Enforcer struct {
	E *casbin.Enforcer
}

func NewEnforcer(path string) (*Enforcer, error) {
	m, err := model.NewModelFromString(Model)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1")
	if err != nil {
		return nil, err
	}

	a, err := adapter.NewAdapter(db, "sqlite3", "acl")
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m, a)
	if err != nil {
		return nil, err
	}

	e.EnableAutoSave(false)

	return &Enforcer{e}, nil
}

// AddServerOwner makes owner the owner of this server, which allows managing
// every pipeline's secrets and maintainers.
func (e *Enforcer) AddServerOwner(owner string) error {
	_, err := e.E.AddPolicy(roleOwner, ThisServer, actManageAcl)
	if err != nil {
		return err
	}

	_, err = e.E.AddGroupingPolicy(owner, roleOwner, ThisServer)
	return err
}

func (e *Enforcer) IsServerOwner(user string) (bool, error) {
	return e.isRole(user, roleOwner, ThisServer)
}

func (e *Enforcer) AddMaintainer(pipeline, user string) error {
	domain := intoPipeline(pipeline)

	_, err := e.E.AddPolicy(roleMaintainer, domain, actManageSecrets)
	if err != nil {
		return err
	}

	_, err = e.E.AddGroupingPolicy(user, roleMaintainer, domain)
	return err
}

func (e *Enforcer) RemoveMaintainer(pipeline, user string) error {
	_, err := e.E.RemoveGroupingPolicy(user, roleMaintainer, intoPipeline(pipeline))
	return err
}

// PruneMaintainers removes every maintainer keep rejects, across all
// pipelines.
func (e *Enforcer) PruneMaintainers(keep func(user string) bool) error {
	rules, err := e.E.GetFilteredGroupingPolicy(1, roleMaintainer)
	if err != nil {
		return err
	}

	var stale [][]string
	for _, rule := range rules {
		if !keep(rule[0]) {
			stale = append(stale, rule)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	_, err = e.E.RemoveGroupingPolicies(stale)
	return err
}

func (e *Enforcer) GetMaintainers(pipeline string) ([]string, error) {
	users, err := e.E.GetImplicitUsersForRole(roleMaintainer, intoPipeline(pipeline))
	if err != nil {
		return nil, err
	}

	slices.Sort(users)
	return slices.Compact(users), nil
}

func (e *Enforcer) IsAclManageAllowed(user string) (bool, error) {
	return e.E.Enforce(user, ThisServer, actManageAcl)
}

// IsSecretsManageAllowed reports whether user may read the keys of and
// change a pipeline's secrets. Server owners may do so for every pipeline.
func (e *Enforcer) IsSecretsManageAllowed(user, pipeline string) (bool, error) {
	ok, err := e.IsServerOwner(user)
	if err != nil || ok {
		return ok, err
	}

	return e.E.Enforce(user, intoPipeline(pipeline), actManageSecrets)
}

// GetPipelinesForUser lists the pipelines user maintains.
func (e *Enforcer) GetPipelinesForUser(user string) ([]string, error) {
	return e.getDomainsForUser(user, isPipeline, unPipeline)
}
