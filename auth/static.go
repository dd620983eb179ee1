package auth

import (
	"context"
	"sync/atomic"

	"github.com/corvoio/corvo/wamp"
)

// Permission grants actions on a URI pattern to one role.
type Permission struct {
	URI      string
	Match    wamp.MatchPolicy
	Allow    map[Action]bool
	Disclose bool
}

// RoleRules is the ordered permission list for one authrole. The first
// matching permission wins.
type RoleRules struct {
	Role        string
	Permissions []Permission
}

// StaticAuthorizer authorizes from an in-memory rule table, typically
// loaded from the realm configuration. The rule table can be swapped
// atomically at runtime (config hot-reload) without interrupting message
// processing.
type StaticAuthorizer struct {
	rules atomic.Pointer[map[string][]Permission]
}

// NewStaticAuthorizer builds an authorizer from per-role rules.
func NewStaticAuthorizer(roles []RoleRules) *StaticAuthorizer {
	a := &StaticAuthorizer{}
	a.Swap(roles)
	return a
}

// Swap atomically replaces the rule table. In-flight authorizations keep
// the table they started with.
func (a *StaticAuthorizer) Swap(roles []RoleRules) {
	table := make(map[string][]Permission, len(roles))
	for _, r := range roles {
		table[r.Role] = r.Permissions
	}
	a.rules.Store(&table)
}

// Authorize implements Authorizer. Unknown roles and URIs with no matching
// permission are denied. Decisions are cacheable: the rule table only
// changes via Swap, and the router drops per-session caches on detach.
func (a *StaticAuthorizer) Authorize(_ context.Context, subject Subject, uri string, action Action) (Authorization, error) {
	table := a.rules.Load()
	if table == nil {
		return Authorization{}, nil
	}
	for _, perm := range (*table)[subject.AuthRole] {
		if !wamp.Match(uri, perm.URI, perm.Match) {
			continue
		}
		return Authorization{
			Allow:    perm.Allow[action],
			Disclose: perm.Disclose,
			Cache:    true,
		}, nil
	}
	return Authorization{Cache: true}, nil
}
