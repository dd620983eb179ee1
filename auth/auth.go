// Package auth supplies the router's two security hooks: the Authorizer,
// consulted for every publish/subscribe/call/register action, and the
// Authenticator, consulted once per session during the HELLO handshake.
package auth

import (
	"context"
	"errors"
)

// Action is a routable action subject to authorization.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
	ActionCall      Action = "call"
	ActionRegister  Action = "register"
)

// Subject identifies the session requesting an action. It carries only
// identity attributes so authorizers cannot reach into router state.
type Subject struct {
	SessionID uint64
	AuthID    string
	AuthRole  string
	Realm     string
}

// Authorization is the decision returned by an Authorizer.
type Authorization struct {
	Allow bool
	// Disclose requests disclosure of the acting session's identity to
	// the receiving peers (publisher/caller disclosure).
	Disclose bool
	// Cache permits the router to cache this decision for the session.
	Cache bool
}

// Authorizer decides whether a session may perform an action on a URI.
// Implementations may block (e.g. call out to a remote policy service);
// the router invokes Authorize outside its serialization lock and
// revalidates state afterwards. A returned error means the authorizer
// itself failed, which is distinct from a denial and surfaces as
// wamp.error.authorization_failed.
type Authorizer interface {
	Authorize(ctx context.Context, subject Subject, uri string, action Action) (Authorization, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, subject Subject, uri string, action Action) (Authorization, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, subject Subject, uri string, action Action) (Authorization, error) {
	return f(ctx, subject, uri, action)
}

// AllowAll authorizes everything without disclosure. Useful for tests and
// closed deployments.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, Subject, string, Action) (Authorization, error) {
		return Authorization{Allow: true, Cache: true}, nil
	})
}

// ErrBadTicket is returned by Authenticators for invalid credentials.
var ErrBadTicket = errors.New("invalid authentication ticket")

// Identity is the authenticated identity assigned to a joining session.
type Identity struct {
	AuthID   string
	AuthRole string
}

// Authenticator validates the ticket presented during session
// establishment and returns the resulting identity.
type Authenticator interface {
	// Methods returns the auth methods this authenticator serves
	// (e.g. "ticket", "anonymous").
	Methods() []string

	// Authenticate checks the ticket presented for the announced authid
	// and realm.
	Authenticate(ctx context.Context, realm, authID, ticket string) (Identity, error)
}

// Anonymous authenticates any peer with a fixed role and no credential
// check.
type Anonymous struct {
	Role string
}

func (a *Anonymous) Methods() []string { return []string{"anonymous"} }

func (a *Anonymous) Authenticate(_ context.Context, _, authID, _ string) (Identity, error) {
	role := a.Role
	if role == "" {
		role = "anonymous"
	}
	return Identity{AuthID: authID, AuthRole: role}, nil
}
