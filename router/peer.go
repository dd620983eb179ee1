package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvoio/corvo/auth"
	"github.com/corvoio/corvo/internal/logctx"
	"github.com/corvoio/corvo/transport"
	"github.com/corvoio/corvo/wamp"
)

// handshakeTimeout bounds how long a connecting peer may take to complete
// the HELLO exchange.
const handshakeTimeout = 30 * time.Second

// Peer drives one client connection: the HELLO handshake against the
// factory, then the routed message loop until the transport closes or the
// client says GOODBYE.
type Peer struct {
	factory        *Factory
	authenticators []auth.Authenticator
	log            *slog.Logger
}

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithAuthenticators installs the authenticators offered during the
// handshake. Without any, every peer joins anonymously.
func WithAuthenticators(authenticators ...auth.Authenticator) PeerOption {
	return func(p *Peer) { p.authenticators = authenticators }
}

// NewPeer returns a connection handler backed by the given factory.
func NewPeer(f *Factory, opts ...PeerOption) *Peer {
	p := &Peer{factory: f, log: f.log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Serve runs the session lifecycle for one transport. It returns when
// the session ends; the transport is closed in all cases.
func (p *Peer) Serve(ctx context.Context, tr transport.Transport) {
	defer tr.Close()

	sess, router, err := p.establish(ctx, tr)
	if err != nil {
		p.log.Debug("session establishment failed", slog.Any("error", err))
		return
	}
	ctx = logctx.WithRealmData(ctx, &logctx.RealmData{Name: router.Realm()})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: uint64(sess.ID()),
		AuthID:    sess.AuthID(),
		AuthRole:  sess.AuthRole(),
	})
	defer router.Detach(sess)

	for {
		var msg wamp.Message
		var ok bool
		select {
		case <-ctx.Done():
			tr.Send(&wamp.Goodbye{Reason: wamp.ErrSystemShutdown})
			return
		case msg, ok = <-tr.Recv():
			if !ok {
				return
			}
		}

		switch m := msg.(type) {
		case *wamp.Goodbye:
			tr.Send(&wamp.Goodbye{Reason: wamp.ErrGoodbyeAndOut})
			return
		case *wamp.Hello, *wamp.Authenticate, *wamp.Abort:
			tr.Send(&wamp.Abort{
				Reason:  wamp.ErrProtocolViolation,
				Message: fmt.Sprintf("unexpected %s in established session", msg.MessageType()),
			})
			return
		default:
			mctx := logctx.WithMessageData(ctx, &logctx.MessageData{
				Type:    m.MessageType().String(),
				Request: messageRequest(m),
			})
			if err := router.Process(mctx, sess, m); err != nil {
				var perr *wamp.ProtocolError
				if errors.As(err, &perr) {
					tr.Send(&wamp.Abort{
						Reason:  wamp.ErrProtocolViolation,
						Message: perr.Message,
					})
				}
				return
			}
		}
	}
}

// messageRequest extracts the request ID carried by a routed message,
// or zero when the message has none.
func messageRequest(msg wamp.Message) uint64 {
	switch m := msg.(type) {
	case *wamp.Subscribe:
		return uint64(m.Request)
	case *wamp.Unsubscribe:
		return uint64(m.Request)
	case *wamp.Publish:
		return uint64(m.Request)
	case *wamp.Register:
		return uint64(m.Request)
	case *wamp.Unregister:
		return uint64(m.Request)
	case *wamp.Call:
		return uint64(m.Request)
	case *wamp.Cancel:
		return uint64(m.Request)
	case *wamp.Yield:
		return uint64(m.Request)
	case *wamp.Error:
		return uint64(m.Request)
	}
	return 0
}

// establish performs the HELLO handshake: realm resolution,
// authentication (via CHALLENGE/AUTHENTICATE when configured) and router
// attach, answering WELCOME or ABORT.
func (p *Peer) establish(ctx context.Context, tr transport.Transport) (*Session, *Router, error) {
	hello, err := p.await(ctx, tr)
	if err != nil {
		return nil, nil, err
	}
	h, ok := hello.(*wamp.Hello)
	if !ok {
		tr.Send(&wamp.Abort{
			Reason:  wamp.ErrProtocolViolation,
			Message: fmt.Sprintf("expected HELLO, got %s", hello.MessageType()),
		})
		return nil, nil, fmt.Errorf("expected HELLO, got %s", hello.MessageType())
	}

	ident, err := p.authenticate(ctx, tr, h)
	if err != nil {
		tr.Send(&wamp.Abort{Reason: wamp.ErrNotAuthorized, Message: err.Error()})
		return nil, nil, err
	}

	sess := NewSession(tr, ident.AuthID, ident.AuthRole, h.Roles)
	router, err := p.attach(sess, h.Realm)
	if err != nil {
		var re *RealmError
		if errors.As(err, &re) {
			tr.Send(&wamp.Abort{Reason: re.URI(), Message: re.Error()})
		} else {
			tr.Send(&wamp.Abort{Reason: wamp.ErrSystemShutdown, Message: err.Error()})
		}
		return nil, nil, err
	}

	if err := tr.Send(&wamp.Welcome{
		Session:  sess.ID(),
		Realm:    h.Realm,
		AuthID:   ident.AuthID,
		AuthRole: ident.AuthRole,
		Roles:    router.Roles(),
	}); err != nil {
		router.Detach(sess)
		return nil, nil, err
	}
	return sess, router, nil
}

// attach joins the realm's router, retrying once if the router was torn
// down between lookup and attach.
func (p *Peer) attach(sess *Session, realm string) (*Router, error) {
	for attempt := 0; ; attempt++ {
		router, err := p.factory.Get(realm)
		if err != nil {
			return nil, err
		}
		err = router.Attach(sess)
		if err == nil {
			return router, nil
		}
		if errors.Is(err, ErrRouterClosed) && attempt == 0 {
			continue
		}
		return nil, err
	}
}

func (p *Peer) authenticate(ctx context.Context, tr transport.Transport, h *wamp.Hello) (auth.Identity, error) {
	if len(p.authenticators) == 0 {
		authID := h.AuthID
		if authID == "" {
			authID = fmt.Sprintf("anonymous-%d", wamp.GlobalID())
		}
		return auth.Identity{AuthID: authID, AuthRole: "anonymous"}, nil
	}

	a, method := p.selectAuthenticator(h.AuthMethods)
	if a == nil {
		return auth.Identity{}, errors.New("no acceptable authentication method")
	}
	if method == "anonymous" {
		return a.Authenticate(ctx, h.Realm, h.AuthID, "")
	}

	if err := tr.Send(&wamp.Challenge{AuthMethod: method}); err != nil {
		return auth.Identity{}, err
	}
	reply, err := p.await(ctx, tr)
	if err != nil {
		return auth.Identity{}, err
	}
	answer, ok := reply.(*wamp.Authenticate)
	if !ok {
		return auth.Identity{}, fmt.Errorf("expected AUTHENTICATE, got %s", reply.MessageType())
	}
	return a.Authenticate(ctx, h.Realm, h.AuthID, answer.Signature)
}

// selectAuthenticator honors the client's method preference order.
func (p *Peer) selectAuthenticator(methods []string) (auth.Authenticator, string) {
	if len(methods) == 0 {
		methods = []string{"anonymous"}
	}
	for _, method := range methods {
		for _, a := range p.authenticators {
			for _, served := range a.Methods() {
				if served == method {
					return a, method
				}
			}
		}
	}
	return nil, ""
}

// await reads one handshake message, bounded by handshakeTimeout.
func (p *Peer) await(ctx context.Context, tr transport.Transport) (wamp.Message, error) {
	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("handshake timeout")
	case msg, ok := <-tr.Recv():
		if !ok {
			return nil, transport.ErrClosed
		}
		return msg, nil
	}
}
