package identity

import (
	"context"

	"docflow/internal/config"
)

// RoleMember is one (principal, qualification) pair returned by role
// resolution.
type RoleMember struct {
	PrincipalID string
	Qualifier   string
}

// RoleResolver resolves a named role against document-type and
// qualification context. Resolution is supplied by the routing
// collaborator; an empty result is a routing anomaly, not an error.
type RoleResolver interface {
	ResolveRole(ctx context.Context, roleName, docType, qualifier string) ([]RoleMember, error)
}

// ConfigRoles resolves roles from the static config catalog. The qualifier
// is passed through as the qualification label on each member.
type ConfigRoles struct {
	Config *config.Config
}

func (r ConfigRoles) ResolveRole(_ context.Context, roleName, _ string, qualifier string) ([]RoleMember, error) {
	if r.Config == nil {
		return nil, nil
	}
	def, ok := r.Config.Roles.Catalog[roleName]
	if !ok {
		return nil, nil
	}
	members := make([]RoleMember, 0, len(def.Members))
	for _, m := range def.Members {
		members = append(members, RoleMember{PrincipalID: m, Qualifier: qualifier})
	}
	return members, nil
}
