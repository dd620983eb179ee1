package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/corvoio/corvo/auth"
	"github.com/corvoio/corvo/internal/observation"
	"github.com/corvoio/corvo/realmstore"
	"github.com/corvoio/corvo/schema"
	"github.com/corvoio/corvo/transport"
	"github.com/corvoio/corvo/wamp"
)

type registration = observation.Observation[*Session, *registrationExtra]

// registrationExtra is the dealer-specific state carried by each
// registration observation.
type registrationExtra struct {
	invoke wamp.InvokePolicy

	// roundRobinPos is the observer index the next roundrobin dispatch
	// starts from.
	roundRobinPos int

	// callees carries per-callee concurrency state.
	callees map[*Session]*calleeExtra
}

type calleeExtra struct {
	limit    int // 0 means unlimited
	inFlight int
}

func (c *calleeExtra) hasHeadroom() bool {
	return c.limit == 0 || c.inFlight < c.limit
}

// invocationRequest tracks one in-flight call from CALL to its final
// RESULT or ERROR.
type invocationRequest struct {
	id           wamp.ID // request ID on the INVOCATION towards the callee
	registration wamp.ID
	procedure    string
	caller       *Session
	callRequest  wamp.ID
	callee       *Session

	receiveProgress bool

	// canceled suppresses forwarding of the callee's eventual response.
	canceled bool
	// deferred holds the error to deliver to the caller once the callee
	// acknowledges a kill-mode cancel. Nil in every other mode.
	deferred *wamp.Error

	timeout *time.Timer
}

type callerKey struct {
	caller  *Session
	request wamp.ID
}

// Dealer routes CALL to INVOCATION and YIELD back to RESULT via the
// realm's registration map. All state is guarded by the owning router's
// mutex.
type Dealer struct {
	r    *Router
	regs *observation.Map[*Session, *registrationExtra]

	bySession map[*Session]map[*registration]struct{}

	invocations       map[wamp.ID]*invocationRequest
	calleeInvocations map[*Session]map[wamp.ID]*invocationRequest
	callerCalls       map[callerKey]*invocationRequest

	invIDGen *wamp.IDGen
}

func newDealer(r *Router) *Dealer {
	return &Dealer{
		r:                 r,
		regs:              observation.NewMap[*Session, *registrationExtra](),
		bySession:         make(map[*Session]map[*registration]struct{}),
		invocations:       make(map[wamp.ID]*invocationRequest),
		calleeInvocations: make(map[*Session]map[wamp.ID]*invocationRequest),
		callerCalls:       make(map[callerKey]*invocationRequest),
		invIDGen:          &wamp.IDGen{},
	}
}

func (d *Dealer) attachLocked(sess *Session) {
	d.bySession[sess] = make(map[*registration]struct{})
}

// detachLocked unwinds every registration and in-flight invocation
// touching sess, returning deferred sends and meta-events to run after
// the router mutex is released.
func (d *Dealer) detachLocked(sess *Session) []func() {
	var post []func()

	// Calls where the departing session is the callee fail towards their
	// callers.
	for _, inv := range d.calleeInvocations[sess] {
		inv := inv
		d.unindexLocked(inv)
		errMsg := inv.deferred
		if inv.canceled && errMsg == nil {
			continue
		}
		if errMsg == nil {
			errMsg = &wamp.Error{
				Type:    wamp.MsgCall,
				Request: inv.callRequest,
				Error:   wamp.ErrCanceled,
				Args:    []any{"callee left the realm"},
			}
		}
		post = append(post, func() {
			d.r.send(inv.caller, errMsg)
		})
	}

	// Calls where the departing session is the caller are interrupted on
	// their callees; late responses are dropped.
	for key, inv := range d.callerCalls {
		if key.caller != sess {
			continue
		}
		inv := inv
		delete(d.callerCalls, key)
		inv.canceled = true
		inv.stopTimeout()
		if inv.callee.calleeSupportsCancel() {
			post = append(post, func() {
				d.r.send(inv.callee, &wamp.Interrupt{Request: inv.id, Mode: wamp.CancelKillNoWait})
			})
		}
	}

	for obs := range d.bySession[sess] {
		wasObserved, wasLast := d.regs.DropObserver(sess, obs)
		if !wasObserved {
			continue
		}
		delete(obs.Extra.callees, sess)
		regID, sessID := obs.ID, sess.ID()
		meta := !wamp.IsReservedURI(obs.URI)
		if meta {
			post = append(post, func() {
				d.r.publishMeta(wamp.MetaRegOnUnregister, uint64(sessID), uint64(regID))
			})
		}
		if wasLast {
			d.regs.DeleteObservation(obs)
			if meta {
				post = append(post, func() {
					d.r.publishMeta(wamp.MetaRegOnDelete, uint64(sessID), uint64(regID))
				})
			}
		}
	}
	delete(d.bySession, sess)
	delete(d.calleeInvocations, sess)
	return post
}

func (d *Dealer) processRegister(ctx context.Context, sess *Session, msg *wamp.Register) {
	match := msg.Options.Match.Normalize()
	invoke := msg.Options.Invoke.Normalize()
	if !match.Valid() || !wamp.ValidURI(msg.Procedure, d.r.opts.strictURI, match) {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgRegister,
			Request: msg.Request,
			Error:   wamp.ErrInvalidURI,
		})
		return
	}
	if wamp.IsReservedURI(msg.Procedure) && sess.AuthRole() != wamp.TrustedRole {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgRegister,
			Request: msg.Request,
			Error:   wamp.ErrNotAuthorized,
			Args:    []any{"registering reserved procedure"},
		})
		return
	}
	if !invoke.Valid() {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgRegister,
			Request: msg.Request,
			Error:   wamp.ErrInvalidArgument,
			Args:    []any{"unknown invocation policy"},
		})
		return
	}

	dec, err := d.r.authorize(ctx, sess, msg.Procedure, auth.ActionRegister)
	if err != nil {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgRegister,
			Request: msg.Request,
			Error:   wamp.ErrAuthorizationFailed,
			Args:    []any{err.Error()},
		})
		return
	}
	if !dec.Allow {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgRegister,
			Request: msg.Request,
			Error:   wamp.ErrNotAuthorized,
		})
		return
	}

	d.r.mu.Lock()
	if !d.r.attachedLocked(sess) {
		d.r.mu.Unlock()
		return
	}

	var evicted []func()
	if existing := d.regs.Get(msg.Procedure, match); existing != nil && existing.NumObservers() > 0 {
		switch {
		case msg.Options.ForceReregister:
			evicted = d.evictLocked(existing)
		case existing.Extra.invoke != invoke:
			d.r.mu.Unlock()
			d.r.send(sess, &wamp.Error{
				Type:    wamp.MsgRegister,
				Request: msg.Request,
				Error:   wamp.ErrProcedureExistsInvocationPolicyConflict,
			})
			return
		case invoke == wamp.InvokeSingle:
			d.r.mu.Unlock()
			d.r.send(sess, &wamp.Error{
				Type:    wamp.MsgRegister,
				Request: msg.Request,
				Error:   wamp.ErrProcedureAlreadyExists,
			})
			return
		}
	}

	obs, _, isFirst := d.regs.AddObserver(sess, msg.Procedure, match, &registrationExtra{
		invoke:  invoke,
		callees: make(map[*Session]*calleeExtra),
	})
	obs.Extra.callees[sess] = &calleeExtra{limit: msg.Options.Concurrency}
	d.bySession[sess][obs] = struct{}{}
	regID, created := obs.ID, obs.Created
	d.r.mu.Unlock()

	for _, fn := range evicted {
		fn()
	}
	d.r.send(sess, &wamp.Registered{Request: msg.Request, Registration: regID})

	if !wamp.IsReservedURI(msg.Procedure) {
		if isFirst {
			d.r.publishMeta(wamp.MetaRegOnCreate, uint64(sess.ID()), wamp.Dict{
				"id":      uint64(regID),
				"created": created.Format(time.RFC3339Nano),
				"uri":     msg.Procedure,
				"match":   string(match),
				"invoke":  string(invoke),
			})
		}
		d.r.publishMeta(wamp.MetaRegOnRegister, uint64(sess.ID()), uint64(regID))
	}

	d.r.log.DebugContext(ctx, "registered",
		slog.String("procedure", msg.Procedure),
		slog.Uint64("registration", uint64(regID)))
}

// evictLocked revokes every current callee of a registration ahead of a
// forced re-register. Returned functions deliver the revocations after
// the mutex is released.
func (d *Dealer) evictLocked(obs *registration) []func() {
	var post []func()
	meta := !wamp.IsReservedURI(obs.URI)
	for _, callee := range append([]*Session(nil), obs.Observers()...) {
		callee := callee
		d.regs.DropObserver(callee, obs)
		delete(obs.Extra.callees, callee)
		delete(d.bySession[callee], obs)
		regID := obs.ID
		post = append(post, func() {
			if callee.calleeSupportsRevocation() {
				d.r.send(callee, &wamp.Unregistered{
					Registration: regID,
					Reason:       wamp.ErrUnregistered,
				})
			}
			if meta {
				d.r.publishMeta(wamp.MetaRegOnUnregister, uint64(callee.ID()), uint64(regID))
			}
		})
	}
	// The replacement gets a fresh registration ID.
	d.regs.DeleteObservation(obs)
	regID := obs.ID
	if meta {
		post = append(post, func() {
			d.r.publishMeta(wamp.MetaRegOnDelete, 0, uint64(regID))
		})
	}
	return post
}

func (d *Dealer) processUnregister(ctx context.Context, sess *Session, msg *wamp.Unregister) {
	d.r.mu.Lock()
	obs := d.regs.GetByID(msg.Registration)
	if obs == nil || !obs.HasObserver(sess) {
		d.r.mu.Unlock()
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgUnregister,
			Request: msg.Request,
			Error:   wamp.ErrNoSuchRegistration,
		})
		return
	}
	_, wasLast := d.regs.DropObserver(sess, obs)
	delete(obs.Extra.callees, sess)
	delete(d.bySession[sess], obs)
	if wasLast {
		d.regs.DeleteObservation(obs)
	}
	d.r.mu.Unlock()

	d.r.send(sess, &wamp.Unregistered{Request: msg.Request, Registration: msg.Registration})

	if !wamp.IsReservedURI(obs.URI) {
		d.r.publishMeta(wamp.MetaRegOnUnregister, uint64(sess.ID()), uint64(obs.ID))
		if wasLast {
			d.r.publishMeta(wamp.MetaRegOnDelete, uint64(sess.ID()), uint64(obs.ID))
		}
	}
}

func (d *Dealer) processCall(ctx context.Context, sess *Session, msg *wamp.Call) {
	if !wamp.ValidURI(msg.Procedure, d.r.opts.strictURI, wamp.MatchExact) {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrInvalidURI,
		})
		return
	}
	if err := d.r.opts.validator.Validate(schema.KindCall, msg.Procedure, msg.Args, msg.Kwargs); err != nil {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrInvalidArgument,
			Args:    []any{err.Error()},
		})
		return
	}

	dec, err := d.r.authorize(ctx, sess, msg.Procedure, auth.ActionCall)
	if err != nil {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrAuthorizationFailed,
			Args:    []any{err.Error()},
		})
		return
	}
	if !dec.Allow {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrNotAuthorized,
		})
		return
	}
	disclose := msg.Options.DiscloseMe || dec.Disclose

	if msg.Procedure == wamp.MetaProcEventHistory {
		d.callEventHistory(ctx, sess, msg)
		return
	}

	d.r.mu.Lock()
	if !d.r.attachedLocked(sess) {
		d.r.mu.Unlock()
		return
	}
	obs := d.regs.BestMatch(msg.Procedure)
	if obs == nil || obs.NumObservers() == 0 {
		d.r.mu.Unlock()
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrNoSuchProcedure,
			Args:    []any{"no callee registered for procedure '" + msg.Procedure + "'"},
		})
		return
	}

	callee := d.selectCalleeLocked(obs)
	if callee == nil {
		regID := obs.ID
		d.r.mu.Unlock()

		if store := d.r.opts.store; store != nil {
			queued, err := store.MaybeQueueCall(ctx, regID, realmstore.QueuedCall{
				Caller:   sess.ID(),
				Call:     msg,
				Disclose: disclose,
			})
			if err != nil {
				d.r.log.Warn("queue call failed",
					slog.Uint64("registration", uint64(regID)), slog.Any("error", err))
			} else if queued {
				// Parked. The reply follows once a callee frees up.
				d.r.tasks.push(func() { d.drainQueue(regID) })
				return
			}
		}
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrMaxConcurrencyReached,
		})
		return
	}

	inv := d.beginInvocationLocked(obs, callee, sess, msg)
	invMsg := d.invocationMessage(obs, inv, msg, disclose)
	d.r.mu.Unlock()

	d.r.send(callee, invMsg)
}

// selectCalleeLocked picks a callee per the registration's invocation
// policy, or nil when the designated callee is at its concurrency limit.
// Only roundrobin moves past a saturated callee; single, first and last
// pin dispatch to one end of the observer list. The random policy
// ignores concurrency limits.
func (d *Dealer) selectCalleeLocked(obs *registration) *Session {
	callees := obs.Observers()
	switch obs.Extra.invoke {
	case wamp.InvokeRandom:
		return callees[rand.Intn(len(callees))]
	case wamp.InvokeLast:
		if cand := callees[len(callees)-1]; obs.Extra.callees[cand].hasHeadroom() {
			return cand
		}
	case wamp.InvokeRoundRobin:
		n := len(callees)
		for i := 0; i < n; i++ {
			cand := callees[(obs.Extra.roundRobinPos+i)%n]
			if obs.Extra.callees[cand].hasHeadroom() {
				obs.Extra.roundRobinPos = (obs.Extra.roundRobinPos + i + 1) % n
				return cand
			}
		}
	default: // single, first
		if cand := callees[0]; obs.Extra.callees[cand].hasHeadroom() {
			return cand
		}
	}
	return nil
}

// dispatchableLocked reports whether selectCalleeLocked would yield a
// callee, without advancing roundrobin state.
func (d *Dealer) dispatchableLocked(obs *registration) bool {
	callees := obs.Observers()
	switch obs.Extra.invoke {
	case wamp.InvokeRandom:
		return true
	case wamp.InvokeLast:
		return obs.Extra.callees[callees[len(callees)-1]].hasHeadroom()
	case wamp.InvokeRoundRobin:
		for _, cand := range callees {
			if obs.Extra.callees[cand].hasHeadroom() {
				return true
			}
		}
		return false
	default:
		return obs.Extra.callees[callees[0]].hasHeadroom()
	}
}

func (d *Dealer) beginInvocationLocked(obs *registration, callee, caller *Session, msg *wamp.Call) *invocationRequest {
	inv := &invocationRequest{
		id:              d.invIDGen.Next(),
		registration:    obs.ID,
		procedure:       msg.Procedure,
		caller:          caller,
		callRequest:     msg.Request,
		callee:          callee,
		receiveProgress: msg.Options.ReceiveProgress && caller.callerSupportsProgress(),
	}
	obs.Extra.callees[callee].inFlight++
	d.invocations[inv.id] = inv
	if d.calleeInvocations[callee] == nil {
		d.calleeInvocations[callee] = make(map[wamp.ID]*invocationRequest)
	}
	d.calleeInvocations[callee][inv.id] = inv
	d.callerCalls[callerKey{caller, msg.Request}] = inv

	if msg.Options.TimeoutMillis > 0 {
		invID := inv.id
		inv.timeout = time.AfterFunc(time.Duration(msg.Options.TimeoutMillis)*time.Millisecond, func() {
			d.r.tasks.push(func() { d.timeoutInvocation(invID) })
		})
	}
	d.r.opts.metrics.InvocationStarted(d.r.realm)
	return inv
}

func (d *Dealer) invocationMessage(obs *registration, inv *invocationRequest, msg *wamp.Call, disclose bool) *wamp.Invocation {
	invMsg := &wamp.Invocation{
		Request:      inv.id,
		Registration: obs.ID,
		Details: wamp.InvocationDetails{
			ReceiveProgress: inv.receiveProgress,
			TimeoutMillis:   msg.Options.TimeoutMillis,
		},
		Args:   msg.Args,
		Kwargs: msg.Kwargs,
	}
	if obs.Match != wamp.MatchExact {
		invMsg.Details.Procedure = msg.Procedure
	}
	if disclose {
		invMsg.Details.Caller = inv.caller.ID()
		invMsg.Details.CallerAuthID = inv.caller.AuthID()
		invMsg.Details.CallerAuthRole = inv.caller.AuthRole()
	}
	return invMsg
}

// callEventHistory serves the wamp.subscription.get_events
// meta-procedure from the realm store. The caller must hold the
// subscription (or carry the trusted role).
func (d *Dealer) callEventHistory(ctx context.Context, sess *Session, msg *wamp.Call) {
	store := d.r.opts.store
	if store == nil {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrHistoryUnavailable,
			Args:    []any{"no realm store configured"},
		})
		return
	}

	var subID wamp.ID
	if len(msg.Args) > 0 {
		if id, ok := metaID(msg.Args[0]); ok {
			subID = id
		}
	}
	if subID == 0 {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrInvalidArgument,
			Args:    []any{"subscription ID required"},
		})
		return
	}
	limit := 10
	if len(msg.Args) > 1 {
		if n, ok := metaID(msg.Args[1]); ok && n > 0 {
			limit = int(n)
		}
	}

	d.r.mu.Lock()
	obs := d.r.broker.subs.GetByID(subID)
	allowed := obs != nil && (obs.HasObserver(sess) || sess.AuthRole() == wamp.TrustedRole)
	d.r.mu.Unlock()
	if !allowed {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrNoSuchSubscription,
		})
		return
	}

	events, err := store.EventHistory(ctx, subID, limit)
	if err != nil {
		d.r.send(sess, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: msg.Request,
			Error:   wamp.ErrHistoryUnavailable,
			Args:    []any{err.Error()},
		})
		return
	}

	list := make([]any, 0, len(events))
	for _, ev := range events {
		item := wamp.Dict{
			"publication": uint64(ev.Publication),
			"topic":       ev.Topic,
			"timestamp":   ev.Timestamp.Format(time.RFC3339Nano),
		}
		if len(ev.Args) > 0 {
			item["args"] = ev.Args
		}
		if len(ev.Kwargs) > 0 {
			item["kwargs"] = ev.Kwargs
		}
		if ev.Publisher != 0 {
			item["publisher"] = uint64(ev.Publisher)
			item["publisher_authid"] = ev.PublisherAuthID
			item["publisher_authrole"] = ev.PublisherAuthRole
		}
		list = append(list, item)
	}
	d.r.send(sess, &wamp.Result{Request: msg.Request, Args: []any{list}})
}

// metaID coerces a wire-decoded meta-procedure argument to an ID.
// Serializers differ on the numeric type they hand back.
func metaID(v any) (wamp.ID, bool) {
	switch n := v.(type) {
	case wamp.ID:
		return n, true
	case uint64:
		return wamp.ID(n), true
	case int64:
		return wamp.ID(n), true
	case int:
		return wamp.ID(n), true
	case uint:
		return wamp.ID(n), true
	case float64:
		return wamp.ID(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return wamp.ID(i), true
	}
	return 0, false
}

func (d *Dealer) processCancel(ctx context.Context, sess *Session, msg *wamp.Cancel) {
	mode := msg.Mode.Normalize()

	d.r.mu.Lock()
	inv := d.callerCalls[callerKey{sess, msg.Request}]
	if inv == nil || inv.canceled {
		// Unknown or already-canceled calls make CANCEL a no-op.
		d.r.mu.Unlock()
		return
	}
	if mode != wamp.CancelSkip && !inv.callee.calleeSupportsCancel() {
		mode = wamp.CancelSkip
	}
	inv.canceled = true
	inv.stopTimeout()

	canceledErr := &wamp.Error{
		Type:    wamp.MsgCall,
		Request: inv.callRequest,
		Error:   wamp.ErrCanceled,
	}
	var interrupt *wamp.Interrupt
	var immediate *wamp.Error
	switch mode {
	case wamp.CancelSkip:
		// The callee keeps running; its eventual response is dropped.
		immediate = canceledErr
	case wamp.CancelKillNoWait:
		interrupt = &wamp.Interrupt{Request: inv.id, Mode: mode}
		immediate = canceledErr
	case wamp.CancelKill:
		interrupt = &wamp.Interrupt{Request: inv.id, Mode: mode}
		inv.deferred = canceledErr
	}
	callee := inv.callee
	d.r.mu.Unlock()

	if interrupt != nil {
		d.r.send(callee, interrupt)
	}
	if immediate != nil {
		d.r.send(sess, immediate)
	}
}

// timeoutInvocation ends an invocation whose call timeout elapsed, with
// killnowait semantics. The invocation completes immediately so its
// concurrency slot frees; a late YIELD or ERROR from the callee is
// dropped as unknown.
func (d *Dealer) timeoutInvocation(invID wamp.ID) {
	d.r.mu.Lock()
	inv := d.invocations[invID]
	if inv == nil || inv.canceled {
		d.r.mu.Unlock()
		return
	}
	regID := inv.registration
	d.completeLocked(inv)
	caller, callee := inv.caller, inv.callee
	d.r.mu.Unlock()

	if callee.calleeSupportsCancel() {
		d.r.send(callee, &wamp.Interrupt{Request: invID, Mode: wamp.CancelKillNoWait})
	}
	d.r.send(caller, &wamp.Error{
		Type:    wamp.MsgCall,
		Request: inv.callRequest,
		Error:   wamp.ErrCanceled,
		Args:    []any{"call timeout elapsed"},
	})
	d.afterCompletion(regID)
}

func (d *Dealer) processYield(ctx context.Context, sess *Session, msg *wamp.Yield) {
	d.r.mu.Lock()
	inv := d.invocations[msg.Request]
	if inv == nil || inv.callee != sess {
		// Cancels and timeouts forget invocations before the callee
		// responds, so a stray YIELD is routine.
		d.r.mu.Unlock()
		d.r.log.DebugContext(ctx, "dropping YIELD for unknown invocation",
			slog.Uint64("request", uint64(msg.Request)))
		return
	}

	if msg.Options.Progress {
		forward := !inv.canceled && inv.receiveProgress
		caller, callRequest := inv.caller, inv.callRequest
		d.r.mu.Unlock()
		if forward {
			d.r.send(caller, &wamp.Result{
				Request: callRequest,
				Details: wamp.ResultDetails{Progress: true},
				Args:    msg.Args,
				Kwargs:  msg.Kwargs,
			})
		}
		return
	}

	regID := inv.registration
	d.completeLocked(inv)
	d.r.mu.Unlock()

	switch {
	case inv.canceled && inv.deferred != nil:
		// Kill-mode cancel: the callee's acknowledgement releases the
		// deferred error.
		d.r.send(inv.caller, inv.deferred)
	case inv.canceled:
	default:
		result := &wamp.Result{
			Request: inv.callRequest,
			Args:    msg.Args,
			Kwargs:  msg.Kwargs,
		}
		if err := d.r.opts.validator.Validate(schema.KindCallResult, inv.procedure, msg.Args, msg.Kwargs); err != nil {
			d.r.send(inv.caller, &wamp.Error{
				Type:    wamp.MsgCall,
				Request: inv.callRequest,
				Error:   wamp.ErrInvalidArgument,
				Args:    []any{err.Error()},
			})
			break
		}
		if err := d.r.send(inv.caller, result); errors.Is(err, transport.ErrMessageTooBig) {
			d.r.send(inv.caller, &wamp.Error{
				Type:    wamp.MsgCall,
				Request: inv.callRequest,
				Error:   wamp.ErrInvalidArgument,
				Args:    []any{"call result exceeds transport message size limit"},
			})
		}
	}

	d.afterCompletion(regID)
}

func (d *Dealer) processInvocationError(ctx context.Context, sess *Session, msg *wamp.Error) {
	d.r.mu.Lock()
	inv := d.invocations[msg.Request]
	if inv == nil || inv.callee != sess {
		d.r.mu.Unlock()
		d.r.log.DebugContext(ctx, "dropping ERROR for unknown invocation",
			slog.Uint64("request", uint64(msg.Request)))
		return
	}
	regID := inv.registration
	d.completeLocked(inv)
	d.r.mu.Unlock()

	switch {
	case inv.canceled && inv.deferred != nil:
		d.r.send(inv.caller, inv.deferred)
	case inv.canceled:
	default:
		d.r.send(inv.caller, &wamp.Error{
			Type:    wamp.MsgCall,
			Request: inv.callRequest,
			Details: msg.Details,
			Error:   msg.Error,
			Args:    msg.Args,
			Kwargs:  msg.Kwargs,
		})
	}

	d.afterCompletion(regID)
}

// completeLocked removes an invocation from all indices and releases its
// concurrency slot.
func (d *Dealer) completeLocked(inv *invocationRequest) {
	d.unindexLocked(inv)
	delete(d.calleeInvocations[inv.callee], inv.id)
	if obs := d.regs.GetByID(inv.registration); obs != nil {
		if ce := obs.Extra.callees[inv.callee]; ce != nil {
			ce.inFlight--
		}
	}
}

// unindexLocked drops the invocation's ID and caller indices and stops
// its timeout; it leaves per-callee state to the caller.
func (d *Dealer) unindexLocked(inv *invocationRequest) {
	delete(d.invocations, inv.id)
	delete(d.callerCalls, callerKey{inv.caller, inv.callRequest})
	inv.stopTimeout()
	d.r.opts.metrics.InvocationFinished(d.r.realm)
}

func (inv *invocationRequest) stopTimeout() {
	if inv.timeout != nil {
		inv.timeout.Stop()
	}
}

// afterCompletion schedules queued-call dispatch for a registration that
// just regained concurrency headroom.
func (d *Dealer) afterCompletion(regID wamp.ID) {
	if d.r.opts.store == nil {
		return
	}
	d.r.tasks.push(func() { d.drainQueue(regID) })
}

// drainQueue dispatches queued calls for one registration while callee
// headroom lasts. It runs only on the router's task goroutine, so the
// peek-then-pop sequence cannot race with itself. A call is popped from
// the store before its invocation is sent; a pop failure fails the call
// towards its caller rather than leaving it replayable.
func (d *Dealer) drainQueue(regID wamp.ID) {
	store := d.r.opts.store
	ctx := context.Background()
	for {
		qc, err := store.GetQueuedCall(ctx, regID)
		if err != nil {
			d.r.log.Warn("peek queued call failed",
				slog.Uint64("registration", uint64(regID)), slog.Any("error", err))
			return
		}
		if qc == nil {
			return
		}

		d.r.mu.Lock()
		obs := d.regs.GetByID(regID)
		if obs == nil || obs.NumObservers() == 0 {
			d.r.mu.Unlock()
			if !d.popQueued(ctx, regID) {
				return
			}
			d.failQueued(qc, "registration has no callees")
			continue
		}
		if !d.dispatchableLocked(obs) {
			d.r.mu.Unlock()
			return
		}
		d.r.mu.Unlock()

		if popped, err := store.PopQueuedCall(ctx, regID); err != nil {
			d.r.log.Warn("pop queued call failed",
				slog.Uint64("registration", uint64(regID)), slog.Any("error", err))
			d.failQueued(qc, "call queue failure")
			return
		} else if popped != nil {
			qc = popped
		}

		d.r.mu.Lock()
		caller := d.r.sessionByIDLocked(qc.Caller)
		if caller == nil {
			// Caller left while parked; drop silently.
			d.r.mu.Unlock()
			continue
		}
		obs = d.regs.GetByID(regID)
		if obs == nil || obs.NumObservers() == 0 {
			d.r.mu.Unlock()
			d.failQueued(qc, "registration has no callees")
			continue
		}
		callee := d.selectCalleeLocked(obs)
		if callee == nil {
			d.r.mu.Unlock()
			d.failQueued(qc, "no callee available")
			continue
		}
		inv := d.beginInvocationLocked(obs, callee, caller, qc.Call)
		invMsg := d.invocationMessage(obs, inv, qc.Call, qc.Disclose)
		d.r.mu.Unlock()

		d.r.send(callee, invMsg)
	}
}

// popQueued removes the head of a registration's queue, reporting
// whether the removal committed.
func (d *Dealer) popQueued(ctx context.Context, regID wamp.ID) bool {
	if _, err := d.r.opts.store.PopQueuedCall(ctx, regID); err != nil {
		d.r.log.Warn("pop queued call failed",
			slog.Uint64("registration", uint64(regID)), slog.Any("error", err))
		return false
	}
	return true
}

// failQueued delivers a CANCELED error for a queued call that can no
// longer be dispatched.
func (d *Dealer) failQueued(qc *realmstore.QueuedCall, reason string) {
	d.r.mu.Lock()
	caller := d.r.sessionByIDLocked(qc.Caller)
	d.r.mu.Unlock()
	if caller == nil || qc.Call == nil {
		return
	}
	d.r.send(caller, &wamp.Error{
		Type:    wamp.MsgCall,
		Request: qc.Call.Request,
		Error:   wamp.ErrCanceled,
		Args:    []any{reason},
	})
}
