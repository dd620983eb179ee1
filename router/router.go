// Package router implements the WAMP routing core: per-realm Router
// instances composing a Broker (publish/subscribe) and a Dealer (RPC),
// the RouterFactory managing realm lifecycles, and the peer loop that
// attaches transports as sessions.
//
// Concurrency model: all routing state of one realm is guarded by the
// Router's mutex. Message handlers run on their session's read goroutine;
// the authorization hook is invoked outside the mutex (it may block on a
// remote policy service), and handlers re-validate session and
// observation state after reacquiring the mutex. Meta-events and large
// fan-outs are deferred to a per-router task queue so that a request's
// direct reply is always sent before its side effects become visible to
// other sessions.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/corvoio/corvo/auth"
	"github.com/corvoio/corvo/internal/logctx"
	"github.com/corvoio/corvo/transport"
	"github.com/corvoio/corvo/wamp"
)

// ErrNotAttached is returned when an operation references a session that
// is not attached to the router.
var ErrNotAttached = errors.New("session not attached")

// ErrRouterClosed is returned when attaching to a closed router.
var ErrRouterClosed = errors.New("router closed")

// Router routes messages between the sessions of one realm.
type Router struct {
	realm string
	opts  options
	log   *slog.Logger

	broker *Broker
	dealer *Dealer

	mu         sync.Mutex
	closed     bool
	sessions   map[wamp.ID]*Session
	byAuthID   map[string]map[*Session]struct{}
	byAuthRole map[string]map[*Session]struct{}

	// metaSession is the router's own trusted session, the publisher of
	// all wamp.* meta-events.
	metaSession *Session

	tasks *taskQueue

	// onLastDetach is invoked (outside the mutex) when the last client
	// session detaches. Set by the factory.
	onLastDetach func(*Router)
}

// New creates a standalone router for one realm. Most deployments go
// through the Factory instead.
func New(realm string, opts ...Option) *Router {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r := &Router{
		realm:      realm,
		opts:       o,
		log:        o.log.With(slog.String("realm", realm)),
		sessions:   make(map[wamp.ID]*Session),
		byAuthID:   make(map[string]map[*Session]struct{}),
		byAuthRole: make(map[string]map[*Session]struct{}),
		tasks:      newTaskQueue(),
	}
	r.broker = newBroker(r)
	r.dealer = newDealer(r)

	// The meta session has no transport: its publications fan out to
	// subscribers but nothing is ever delivered back to it.
	r.metaSession = NewSession(nil, "router", wamp.TrustedRole, wamp.ClientRoles{})
	r.metaSession.setAttached(wamp.GlobalID(), realm)

	go r.tasks.run()
	return r
}

// Realm returns the realm this router serves.
func (r *Router) Realm() string { return r.realm }

// Roles returns the capability set the router announces in WELCOME.
func (r *Router) Roles() wamp.RouterRoles { return wamp.DefaultRouterRoles() }

// Attach adds a session to the realm, assigning its session ID.
func (r *Router) Attach(sess *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	id := wamp.GlobalID()
	for _, exists := r.sessions[id]; exists; _, exists = r.sessions[id] {
		id = wamp.GlobalID()
	}
	sess.setAttached(id, r.realm)
	r.sessions[id] = sess
	addIndex(r.byAuthID, sess.AuthID(), sess)
	addIndex(r.byAuthRole, sess.AuthRole(), sess)
	r.broker.attachLocked(sess)
	r.dealer.attachLocked(sess)
	r.mu.Unlock()

	r.opts.metrics.SessionAttached(r.realm)
	r.log.Debug("session attached",
		slog.Uint64("session", uint64(id)),
		slog.String("authid", sess.AuthID()),
		slog.String("authrole", sess.AuthRole()))
	return nil
}

// Detach removes a session and unwinds all of its observations and
// in-flight invocations. Idempotent: detaching an unknown session is a
// no-op.
func (r *Router) Detach(sess *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ID())
	dropIndex(r.byAuthID, sess.AuthID(), sess)
	dropIndex(r.byAuthRole, sess.AuthRole(), sess)

	var post []func()
	post = append(post, r.dealer.detachLocked(sess)...)
	post = append(post, r.broker.detachLocked(sess)...)
	sess.clearTransport()
	empty := len(r.sessions) == 0
	r.mu.Unlock()

	// Outbound notifications and meta-events collected during cleanup are
	// delivered after releasing the lock.
	for _, fn := range post {
		fn()
	}

	r.opts.metrics.SessionDetached(r.realm)
	r.log.Debug("session detached", slog.Uint64("session", uint64(sess.ID())))

	if empty && r.onLastDetach != nil {
		r.onLastDetach(r)
	}
}

// Close detaches all sessions and stops the router's background work.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.Detach(s)
	}
	r.tasks.close()
}

// Process routes one inbound message from an attached session. The
// returned error is non-nil only for protocol violations, upon which the
// caller must close the session.
func (r *Router) Process(ctx context.Context, sess *Session, msg wamp.Message) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: uint64(sess.ID()),
		AuthID:    sess.AuthID(),
		AuthRole:  sess.AuthRole(),
	})
	r.opts.metrics.Message(r.realm, msg.MessageType().String())

	switch m := msg.(type) {
	case *wamp.Publish:
		r.broker.processPublish(ctx, sess, m)
	case *wamp.Subscribe:
		r.broker.processSubscribe(ctx, sess, m)
	case *wamp.Unsubscribe:
		r.broker.processUnsubscribe(ctx, sess, m)
	case *wamp.Register:
		r.dealer.processRegister(ctx, sess, m)
	case *wamp.Unregister:
		r.dealer.processUnregister(ctx, sess, m)
	case *wamp.Call:
		r.dealer.processCall(ctx, sess, m)
	case *wamp.Cancel:
		r.dealer.processCancel(ctx, sess, m)
	case *wamp.Yield:
		r.dealer.processYield(ctx, sess, m)
	case *wamp.Error:
		if m.Type != wamp.MsgInvocation {
			return wamp.NewProtocolError("unexpected ERROR for request type %s", m.Type)
		}
		r.dealer.processInvocationError(ctx, sess, m)
	default:
		return wamp.NewProtocolError("unexpected message type %s", msg.MessageType())
	}
	return nil
}

// authorize consults the authorization hook for one action. Must be
// called WITHOUT the router mutex held: the hook may block. Sessions with
// the built-in trusted role bypass the hook entirely (with disclosure).
func (r *Router) authorize(ctx context.Context, sess *Session, uri string, action auth.Action) (auth.Authorization, error) {
	if sess.AuthRole() == wamp.TrustedRole {
		return auth.Authorization{Allow: true, Disclose: true}, nil
	}
	dec, err := r.opts.authorizer.Authorize(ctx, auth.Subject{
		SessionID: uint64(sess.ID()),
		AuthID:    sess.AuthID(),
		AuthRole:  sess.AuthRole(),
		Realm:     r.realm,
	}, uri, action)
	switch {
	case err != nil:
		r.opts.metrics.AuthDecision(r.realm, string(action), "error")
		r.log.Warn("authorization hook failed",
			slog.String("uri", uri), slog.String("action", string(action)), slog.Any("error", err))
	case dec.Allow:
		r.opts.metrics.AuthDecision(r.realm, string(action), "allow")
	default:
		r.opts.metrics.AuthDecision(r.realm, string(action), "deny")
	}
	return dec, err
}

// send delivers msg to sess, tolerating an already-gone transport. The
// returned error is consulted only where substitution matters (oversized
// results); routing decisions never depend on it.
func (r *Router) send(sess *Session, msg wamp.Message) error {
	tr := sess.Transport()
	if tr == nil {
		r.log.Debug("skip send, transport gone",
			slog.Uint64("session", uint64(sess.ID())),
			slog.String("type", msg.MessageType().String()))
		return transport.ErrClosed
	}
	if err := tr.Send(msg); err != nil {
		r.log.Debug("send failed",
			slog.Uint64("session", uint64(sess.ID())),
			slog.String("type", msg.MessageType().String()),
			slog.Any("error", err))
		return err
	}
	return nil
}

// attachedLocked reports whether sess is still attached. Handlers call
// this after reacquiring the mutex across an authorization suspension.
func (r *Router) attachedLocked(sess *Session) bool {
	cur, ok := r.sessions[sess.ID()]
	return ok && cur == sess
}

// sessionByIDLocked resolves a session ID to the attached session, or nil.
func (r *Router) sessionByIDLocked(id wamp.ID) *Session {
	return r.sessions[id]
}

// publishMeta emits a router meta-event on the deferred task queue. The
// enqueueing handler must already have sent the triggering request's
// direct reply.
func (r *Router) publishMeta(topic string, args ...any) {
	pub := &wamp.Publish{
		Request: 0,
		Topic:   topic,
		Args:    args,
	}
	r.tasks.push(func() {
		r.broker.processPublish(context.Background(), r.metaSession, pub)
	})
}

func addIndex(idx map[string]map[*Session]struct{}, key string, sess *Session) {
	set, ok := idx[key]
	if !ok {
		set = make(map[*Session]struct{})
		idx[key] = set
	}
	set[sess] = struct{}{}
}

func dropIndex(idx map[string]map[*Session]struct{}, key string, sess *Session) {
	if set, ok := idx[key]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// taskQueue is an unbounded FIFO of deferred router work (meta-events,
// chunked fan-out batches) drained by a single goroutine. Pushing never
// blocks, so it is safe to enqueue while holding the router mutex.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *taskQueue) run() {
	for {
		q.mu.Lock()
		tasks := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		if closed {
			close(q.done)
			return
		}
		<-q.wake
	}
}

func (q *taskQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

// Drain blocks until all currently queued deferred work has run. Used by
// tests to observe meta-events deterministically.
func (r *Router) Drain() {
	done := make(chan struct{})
	r.tasks.push(func() { close(done) })
	select {
	case <-done:
	case <-r.tasks.done:
	}
}
