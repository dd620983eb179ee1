package router

import (
	"sync"

	"github.com/corvoio/corvo/transport"
	"github.com/corvoio/corvo/wamp"
)

// Session is the router's record of one attached client. The surrounding
// connection layer owns the session's lifetime; the router holds a
// reference from Attach until Detach and uses it as the key into all of
// its registries.
type Session struct {
	authID   string
	authRole string
	roles    wamp.ClientRoles

	mu    sync.Mutex
	id    wamp.ID // assigned at attach, 0 before
	realm string
	tr    transport.Transport // nil once the transport is gone
}

// NewSession wraps an authenticated transport in a session record ready
// to be attached to a router.
func NewSession(tr transport.Transport, authID, authRole string, roles wamp.ClientRoles) *Session {
	return &Session{
		authID:   authID,
		authRole: authRole,
		roles:    roles,
		tr:       tr,
	}
}

// ID returns the router-assigned session ID (0 before attach).
func (s *Session) ID() wamp.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Realm returns the realm the session is attached to.
func (s *Session) Realm() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realm
}

func (s *Session) AuthID() string   { return s.authID }
func (s *Session) AuthRole() string { return s.authRole }

// Roles returns the capability set the client announced in HELLO.
func (s *Session) Roles() wamp.ClientRoles { return s.roles }

// Transport returns the session's transport, or nil if it is gone.
func (s *Session) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

func (s *Session) setAttached(id wamp.ID, realm string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.realm = realm
}

func (s *Session) clearTransport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tr = nil
}

// Capability checks used by broker and dealer. A missing role struct
// means the feature is unsupported.

func (s *Session) callerSupportsCancel() bool {
	return s.roles.Caller != nil && s.roles.Caller.CallCanceling
}

func (s *Session) callerSupportsProgress() bool {
	return s.roles.Caller != nil && s.roles.Caller.ProgressiveCallResults
}

func (s *Session) calleeSupportsCancel() bool {
	return s.roles.Callee != nil && s.roles.Callee.CallCanceling
}

func (s *Session) calleeSupportsRevocation() bool {
	return s.roles.Callee != nil && s.roles.Callee.RegistrationRevocation
}

