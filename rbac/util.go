package rbac

import (
	"slices"
	"strings"
)

func (e *Enforcer) getDomainsForUser(user string, keepFunc func(string) bool, stripFunc func(string) string) ([]string, error) {
	domains, err := e.E.GetDomainsForUser(user)
	if err != nil {
		return nil, err
	}

	n := 0
	for _, x := range domains {
		if keepFunc(x) {
			domains[n] = stripFunc(x)
			n++
		}
	}
	domains = domains[:n]

	slices.Sort(domains)
	return domains, nil
}

func (e *Enforcer) isRole(user, role, domain string) (bool, error) {
	roles, err := e.E.GetImplicitRolesForUser(user, domain)
	if err != nil {
		return false, err
	}
	return slices.Contains(roles, role), nil
}

const pipelinePrefix = "pipeline:"

func intoPipeline(domain string) string {
	if !isPipeline(domain) {
		return pipelinePrefix + domain
	}
	return domain
}

func unPipeline(domain string) string {
	return strings.TrimPrefix(domain, pipelinePrefix)
}

func isPipeline(domain string) bool {
	return strings.HasPrefix(domain, pipelinePrefix)
}
