package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/corvoio/corvo/auth"
	"github.com/corvoio/corvo/internal/observation"
	"github.com/corvoio/corvo/realmstore"
	"github.com/corvoio/corvo/schema"
	"github.com/corvoio/corvo/wamp"
)

// subscriptionExtra is the broker-specific state carried by each
// subscription observation.
type subscriptionExtra struct {
	// retained events for this topic, oldest first, bounded by the
	// router's retain limit. Only exact observations retain.
	retained []*retainedEvent

	// history marks the subscription for event persistence.
	history bool
}

// retainedEvent keeps the publish options alongside the payload so the
// eligible and exclude lists still apply when the event is replayed to a
// later subscriber.
type retainedEvent struct {
	publication wamp.ID
	args        []any
	kwargs      wamp.Dict
	options     wamp.PublishOptions
	publisher   wamp.ID
	disclose    bool
	authID      string
	authRole    string
}

// receivableBy applies the publish's exclusion and eligibility lists to
// a replay candidate. The publisher is matched by session ID since the
// publishing session may be long gone.
func (re *retainedEvent) receivableBy(sub *Session) bool {
	if sub.ID() == re.publisher && re.options.ExcludePublisher() {
		return false
	}
	return optionFiltersAllow(sub, &re.options)
}

// Broker routes PUBLISH to EVENT via the realm's subscription map. All
// state is guarded by the owning router's mutex.
type Broker struct {
	r    *Router
	subs *observation.Map[*Session, *subscriptionExtra]

	// bySession indexes each session's subscriptions for detach cleanup.
	bySession map[*Session]map[*observation.Observation[*Session, *subscriptionExtra]]struct{}
}

func newBroker(r *Router) *Broker {
	return &Broker{
		r:         r,
		subs:      observation.NewMap[*Session, *subscriptionExtra](),
		bySession: make(map[*Session]map[*observation.Observation[*Session, *subscriptionExtra]]struct{}),
	}
}

func (b *Broker) attachLocked(sess *Session) {
	b.bySession[sess] = make(map[*observation.Observation[*Session, *subscriptionExtra]]struct{})
}

// detachLocked removes every subscription held by sess and returns the
// deferred meta-event emissions to run after the router mutex is
// released.
func (b *Broker) detachLocked(sess *Session) []func() {
	var post []func()
	for obs := range b.bySession[sess] {
		wasObserved, wasLast := b.subs.DropObserver(sess, obs)
		if !wasObserved {
			continue
		}
		subID, sessID := obs.ID, sess.ID()
		meta := !wamp.IsReservedURI(obs.URI)
		if meta {
			post = append(post, func() {
				b.r.publishMeta(wamp.MetaSubOnUnsubscribe, uint64(sessID), uint64(subID))
			})
		}
		if wasLast && len(obs.Extra.retained) == 0 {
			b.subs.DeleteObservation(obs)
			if meta {
				post = append(post, func() {
					b.r.publishMeta(wamp.MetaSubOnDelete, uint64(sessID), uint64(subID))
				})
			}
		}
	}
	delete(b.bySession, sess)
	return post
}

func (b *Broker) processSubscribe(ctx context.Context, sess *Session, msg *wamp.Subscribe) {
	match := msg.Options.Match.Normalize()
	if !match.Valid() || !wamp.ValidURI(msg.Topic, b.r.opts.strictURI, match) {
		b.r.send(sess, &wamp.Error{
			Type:    wamp.MsgSubscribe,
			Request: msg.Request,
			Error:   wamp.ErrInvalidURI,
		})
		return
	}

	dec, err := b.r.authorize(ctx, sess, msg.Topic, auth.ActionSubscribe)
	if err != nil {
		b.r.send(sess, &wamp.Error{
			Type:    wamp.MsgSubscribe,
			Request: msg.Request,
			Error:   wamp.ErrAuthorizationFailed,
			Args:    []any{err.Error()},
		})
		return
	}
	if !dec.Allow {
		b.r.send(sess, &wamp.Error{
			Type:    wamp.MsgSubscribe,
			Request: msg.Request,
			Error:   wamp.ErrNotAuthorized,
		})
		return
	}

	b.r.mu.Lock()
	if !b.r.attachedLocked(sess) {
		b.r.mu.Unlock()
		return
	}
	obs, wasObserved, isFirst := b.subs.AddObserver(sess, msg.Topic, match, &subscriptionExtra{})
	if msg.Options.History {
		obs.Extra.history = true
	}
	b.bySession[sess][obs] = struct{}{}

	var replay []*wamp.Event
	if msg.Options.GetRetained && match == wamp.MatchExact {
		// Most recent first. The original publish's receiver filters
		// still apply.
		for i := len(obs.Extra.retained) - 1; i >= 0; i-- {
			re := obs.Extra.retained[i]
			if !re.receivableBy(sess) {
				continue
			}
			replay = append(replay, b.retainedEventFor(obs, re))
		}
	}
	subID, created := obs.ID, obs.Created
	b.r.mu.Unlock()

	b.r.send(sess, &wamp.Subscribed{Request: msg.Request, Subscription: subID})
	for _, ev := range replay {
		b.r.send(sess, ev)
	}

	// Meta-events only after the direct reply, never for re-subscribes,
	// and never about the router's own reserved topics.
	if !wasObserved && !wamp.IsReservedURI(msg.Topic) {
		if isFirst {
			b.r.publishMeta(wamp.MetaSubOnCreate, uint64(sess.ID()), wamp.Dict{
				"id":      uint64(subID),
				"created": created.Format(time.RFC3339Nano),
				"uri":     msg.Topic,
				"match":   string(match),
			})
		}
		b.r.publishMeta(wamp.MetaSubOnSubscribe, uint64(sess.ID()), uint64(subID))
	}

	b.r.log.DebugContext(ctx, "subscribed",
		slog.String("topic", msg.Topic),
		slog.Uint64("subscription", uint64(subID)))
}

func (b *Broker) processUnsubscribe(ctx context.Context, sess *Session, msg *wamp.Unsubscribe) {
	b.r.mu.Lock()
	obs := b.subs.GetByID(msg.Subscription)
	if obs == nil || !obs.HasObserver(sess) {
		b.r.mu.Unlock()
		b.r.send(sess, &wamp.Error{
			Type:    wamp.MsgUnsubscribe,
			Request: msg.Request,
			Error:   wamp.ErrNoSuchSubscription,
		})
		return
	}
	_, wasLast := b.subs.DropObserver(sess, obs)
	delete(b.bySession[sess], obs)
	deleted := false
	if wasLast && len(obs.Extra.retained) == 0 {
		b.subs.DeleteObservation(obs)
		deleted = true
	}
	b.r.mu.Unlock()

	b.r.send(sess, &wamp.Unsubscribed{Request: msg.Request, Subscription: msg.Subscription})

	if !wamp.IsReservedURI(obs.URI) {
		b.r.publishMeta(wamp.MetaSubOnUnsubscribe, uint64(sess.ID()), uint64(obs.ID))
		if deleted {
			b.r.publishMeta(wamp.MetaSubOnDelete, uint64(sess.ID()), uint64(obs.ID))
		}
	}
}

func (b *Broker) processPublish(ctx context.Context, sess *Session, msg *wamp.Publish) {
	ack := msg.Options.Acknowledge

	if !wamp.ValidURI(msg.Topic, b.r.opts.strictURI, wamp.MatchExact) {
		if ack {
			b.r.send(sess, &wamp.Error{
				Type:    wamp.MsgPublish,
				Request: msg.Request,
				Error:   wamp.ErrInvalidURI,
			})
		}
		return
	}
	// The wamp. and corvo. namespaces belong to the router.
	if wamp.IsReservedURI(msg.Topic) && sess.AuthRole() != wamp.TrustedRole {
		if ack {
			b.r.send(sess, &wamp.Error{
				Type:    wamp.MsgPublish,
				Request: msg.Request,
				Error:   wamp.ErrNotAuthorized,
				Args:    []any{"publishing to reserved topic"},
			})
		}
		return
	}
	if err := b.r.opts.validator.Validate(schema.KindEvent, msg.Topic, msg.Args, msg.Kwargs); err != nil {
		if ack {
			b.r.send(sess, &wamp.Error{
				Type:    wamp.MsgPublish,
				Request: msg.Request,
				Error:   wamp.ErrInvalidArgument,
				Args:    []any{err.Error()},
			})
		}
		return
	}

	dec, err := b.r.authorize(ctx, sess, msg.Topic, auth.ActionPublish)
	if err != nil {
		if ack {
			b.r.send(sess, &wamp.Error{
				Type:    wamp.MsgPublish,
				Request: msg.Request,
				Error:   wamp.ErrAuthorizationFailed,
				Args:    []any{err.Error()},
			})
		}
		return
	}
	if !dec.Allow {
		if ack {
			b.r.send(sess, &wamp.Error{
				Type:    wamp.MsgPublish,
				Request: msg.Request,
				Error:   wamp.ErrNotAuthorized,
			})
		}
		return
	}
	disclose := msg.Options.DiscloseMe || dec.Disclose

	b.r.mu.Lock()
	if sess != b.r.metaSession && !b.r.attachedLocked(sess) {
		// Publisher went away while the authorization hook ran.
		b.r.mu.Unlock()
		return
	}
	pubID := wamp.GlobalID()

	if msg.Options.Retain {
		b.retainLocked(sess, msg, pubID, disclose)
	}

	type delivery struct {
		receivers []*Session
		event     *wamp.Event
	}
	var deliveries []*delivery
	var historySubs []wamp.ID
	for _, obs := range b.subs.Match(msg.Topic) {
		ev := &wamp.Event{
			Subscription: obs.ID,
			Publication:  pubID,
			Args:         msg.Args,
			Kwargs:       msg.Kwargs,
		}
		if obs.Match != wamp.MatchExact {
			ev.Details.Topic = msg.Topic
		}
		if disclose {
			ev.Details.Publisher = sess.ID()
			ev.Details.PublisherAuthID = sess.AuthID()
			ev.Details.PublisherAuthRole = sess.AuthRole()
		}
		d := &delivery{event: ev}
		for _, sub := range obs.Observers() {
			if b.receivable(sess, sub, &msg.Options) {
				d.receivers = append(d.receivers, sub)
			}
		}
		if len(d.receivers) > 0 {
			deliveries = append(deliveries, d)
		}
		if obs.Extra.history {
			historySubs = append(historySubs, obs.ID)
		}
	}
	b.r.mu.Unlock()

	if ack {
		b.r.send(sess, &wamp.Published{Request: msg.Request, Publication: pubID})
	}
	b.r.opts.metrics.EventPublished(b.r.realm)

	if store := b.r.opts.store; store != nil && len(historySubs) > 0 {
		b.persistHistory(ctx, store, sess, msg, pubID, disclose, historySubs)
	}

	chunk := b.r.opts.eventChunkSize
	for _, d := range deliveries {
		if len(d.receivers) <= chunk {
			for _, sub := range d.receivers {
				b.r.send(sub, d.event)
			}
			continue
		}
		// Large fan-outs are dispatched in batches on the task queue so a
		// single publication cannot monopolize the router.
		ev, receivers := d.event, d.receivers
		var dispatch func(from int)
		dispatch = func(from int) {
			to := from + chunk
			if to > len(receivers) {
				to = len(receivers)
			}
			for _, sub := range receivers[from:to] {
				b.r.send(sub, ev)
			}
			if to < len(receivers) {
				b.r.tasks.push(func() { dispatch(to) })
			}
		}
		b.r.tasks.push(func() { dispatch(0) })
	}
}

// receivable applies publisher exclusion and the eligible/exclude option
// lists to one candidate receiver.
func (b *Broker) receivable(publisher, sub *Session, opts *wamp.PublishOptions) bool {
	if sub == publisher && opts.ExcludePublisher() {
		return false
	}
	return optionFiltersAllow(sub, opts)
}

// optionFiltersAllow applies the eligible/exclude option lists to one
// candidate receiver, ignoring publisher exclusion.
func optionFiltersAllow(sub *Session, opts *wamp.PublishOptions) bool {
	for _, id := range opts.Exclude {
		if sub.ID() == id {
			return false
		}
	}
	for _, aid := range opts.ExcludeAuthID {
		if sub.AuthID() == aid {
			return false
		}
	}
	for _, role := range opts.ExcludeAuthRole {
		if sub.AuthRole() == role {
			return false
		}
	}
	if len(opts.Eligible) > 0 && !containsID(opts.Eligible, sub.ID()) {
		return false
	}
	if len(opts.EligibleAuthID) > 0 && !containsString(opts.EligibleAuthID, sub.AuthID()) {
		return false
	}
	if len(opts.EligibleAuthRole) > 0 && !containsString(opts.EligibleAuthRole, sub.AuthRole()) {
		return false
	}
	return true
}

// retainLocked stores the publication as a retained event on the topic's
// exact observation, creating the observation if none exists. Observations
// holding retained events survive their last unsubscribe.
func (b *Broker) retainLocked(sess *Session, msg *wamp.Publish, pubID wamp.ID, disclose bool) {
	obs := b.subs.Get(msg.Topic, wamp.MatchExact)
	if obs == nil {
		obs, _, _ = b.subs.AddObserver(sess, msg.Topic, wamp.MatchExact, &subscriptionExtra{})
		b.subs.DropObserver(sess, obs)
	}
	re := &retainedEvent{
		publication: pubID,
		args:        msg.Args,
		kwargs:      msg.Kwargs,
		options:     msg.Options,
		publisher:   sess.ID(),
		disclose:    disclose,
	}
	if disclose {
		re.authID = sess.AuthID()
		re.authRole = sess.AuthRole()
	}
	obs.Extra.retained = append(obs.Extra.retained, re)
	if n := len(obs.Extra.retained); n > b.r.opts.retainLimit {
		obs.Extra.retained = obs.Extra.retained[n-b.r.opts.retainLimit:]
	}
}

func (b *Broker) retainedEventFor(obs *observation.Observation[*Session, *subscriptionExtra], re *retainedEvent) *wamp.Event {
	ev := &wamp.Event{
		Subscription: obs.ID,
		Publication:  re.publication,
		Details:      wamp.EventDetails{Retained: true},
		Args:         re.args,
		Kwargs:       re.kwargs,
	}
	if re.disclose {
		ev.Details.Publisher = re.publisher
		ev.Details.PublisherAuthID = re.authID
		ev.Details.PublisherAuthRole = re.authRole
	}
	return ev
}

func (b *Broker) persistHistory(ctx context.Context, store realmstore.Store, sess *Session, msg *wamp.Publish, pubID wamp.ID, disclose bool, subs []wamp.ID) {
	ev := realmstore.Event{
		Publication: pubID,
		Topic:       msg.Topic,
		Args:        msg.Args,
		Kwargs:      msg.Kwargs,
		Timestamp:   time.Now().UTC(),
	}
	if disclose {
		ev.Publisher = sess.ID()
		ev.PublisherAuthID = sess.AuthID()
		ev.PublisherAuthRole = sess.AuthRole()
	}
	if err := store.StoreEvent(ctx, ev); err != nil {
		b.r.log.Warn("store event failed",
			slog.Uint64("publication", uint64(pubID)), slog.Any("error", err))
		return
	}
	for _, sub := range subs {
		if err := store.StoreEventHistory(ctx, sub, pubID); err != nil {
			b.r.log.Warn("store event history failed",
				slog.Uint64("subscription", uint64(sub)), slog.Any("error", err))
		}
	}
}

func containsID(ids []wamp.ID, id wamp.ID) bool {
	for _, cur := range ids {
		if cur == id {
			return true
		}
	}
	return false
}

func containsString(vals []string, v string) bool {
	for _, cur := range vals {
		if cur == v {
			return true
		}
	}
	return false
}
