package auth

import "context"

// Capability is a coarse permission evaluated once at the gateway boundary;
// the enforcement core never re-checks authorization internally.
type Capability string

const (
	// CapEnforce covers every case mutation: bans, appeals, links,
	// violations, alerts.
	CapEnforce Capability = "enforce"
	// CapIssueLicense is reserved to the owner role. Commercial license
	// issuance is the single owner/admin asymmetry in the product and is
	// expressed as a capability, not a role-name comparison at call sites.
	CapIssueLicense Capability = "license.issue"
)

const (
	roleAdmin = "admin"
	roleOwner = "owner"
)

// Actor is the authenticated administrator performing a mutation.
type Actor struct {
	ID    string
	Roles []string
}

// ActorFromContext resolves the authenticated actor stored by the HTTP layer.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return Actor{}, false
	}
	return Actor{ID: id, Roles: RolesFromContext(ctx)}, true
}

// Can reports whether the actor holds the capability.
func (a Actor) Can(cap Capability) bool {
	switch cap {
	case CapEnforce:
		return a.hasAny(roleAdmin, roleOwner)
	case CapIssueLicense:
		return a.hasAny(roleOwner)
	}
	return false
}

func (a Actor) hasAny(roles ...string) bool {
	for _, have := range a.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
