package router

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/corvoio/corvo/wamp"
)

// Factory creates and retires per-realm routers. Routers are created
// lazily on first attach and torn down when their last session detaches.
type Factory struct {
	instanceID string
	log        *slog.Logger
	routerOpts []Option

	// allowed restricts which realms may be created; nil means any realm
	// with a valid URI.
	allowed map[string]struct{}

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithRealms restricts the factory to an allow-list of realm names.
// Without it any syntactically valid realm is created on demand.
func WithRealms(names ...string) FactoryOption {
	return func(f *Factory) {
		f.allowed = make(map[string]struct{}, len(names))
		for _, name := range names {
			f.allowed[name] = struct{}{}
		}
	}
}

// WithRouterOptions sets the options applied to every router the factory
// creates.
func WithRouterOptions(opts ...Option) FactoryOption {
	return func(f *Factory) { f.routerOpts = opts }
}

// NewFactory returns a router factory with a unique instance ID.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		instanceID: uuid.NewString(),
		routers:    make(map[string]*Router),
	}
	for _, opt := range opts {
		opt(f)
	}
	ro := defaultOptions()
	for _, opt := range f.routerOpts {
		opt(&ro)
	}
	f.log = ro.log.With(slog.String("instance", f.instanceID))
	return f
}

// InstanceID returns the identifier of this router process instance.
func (f *Factory) InstanceID() string { return f.instanceID }

// Get returns the router for realm, creating it when the realm is
// allowed. It returns a wamp.error.no_such_realm keyed error for unknown
// or invalid realms.
func (f *Factory) Get(realm string) (*Router, error) {
	if !wamp.ValidURI(realm, false, wamp.MatchExact) {
		return nil, &RealmError{Realm: realm}
	}
	if f.allowed != nil {
		if _, ok := f.allowed[realm]; !ok {
			return nil, &RealmError{Realm: realm}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrRouterClosed
	}
	if r, ok := f.routers[realm]; ok {
		return r, nil
	}
	r := New(realm, f.routerOpts...)
	r.onLastDetach = f.retire
	f.routers[realm] = r
	f.log.Info("realm started", slog.String("realm", realm))
	return r, nil
}

// Lookup returns the realm's router without creating it.
func (f *Factory) Lookup(realm string) *Router {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routers[realm]
}

// Realms returns the names of the currently running realms.
func (f *Factory) Realms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.routers))
	for name := range f.routers {
		names = append(names, name)
	}
	return names
}

// retire tears a router down once its last session has detached. A
// session attaching concurrently keeps the router alive; one landing
// between the emptiness check and Close sees ErrRouterClosed and retries
// through Get.
func (f *Factory) retire(r *Router) {
	f.mu.Lock()
	if f.closed || f.routers[r.realm] != r {
		f.mu.Unlock()
		return
	}
	r.mu.Lock()
	empty := len(r.sessions) == 0
	r.mu.Unlock()
	if !empty {
		f.mu.Unlock()
		return
	}
	delete(f.routers, r.realm)
	f.mu.Unlock()

	r.Close()
	f.log.Info("realm stopped", slog.String("realm", r.realm))
}

// Close stops every running realm.
func (f *Factory) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	routers := make([]*Router, 0, len(f.routers))
	for _, r := range f.routers {
		routers = append(routers, r)
	}
	f.routers = map[string]*Router{}
	f.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

// RealmError reports an unknown or disallowed realm.
type RealmError struct {
	Realm string
}

func (e *RealmError) Error() string {
	return "no such realm: " + e.Realm
}

// URI returns the protocol-level error URI for the condition.
func (e *RealmError) URI() string { return wamp.ErrNoSuchRealm }
