package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvoio/corvo/realmstore"
	"github.com/corvoio/corvo/realmstore/memory"
	"github.com/corvoio/corvo/wamp"
)

func call(t *testing.T, r *Router, c *testClient, req wamp.ID, proc string, opts wamp.CallOptions, args ...any) {
	t.Helper()
	r.Process(context.Background(), c.sess, &wamp.Call{
		Request:   req,
		Options:   opts,
		Procedure: proc,
		Args:      args,
	})
}

func yield(t *testing.T, r *Router, c *testClient, req wamp.ID, opts wamp.YieldOptions, args ...any) {
	t.Helper()
	if err := r.Process(context.Background(), c.sess, &wamp.Yield{Request: req, Options: opts, Args: args}); err != nil {
		t.Fatalf("yield: %v", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	regID := register(t, r, callee, "com.example.add", wamp.RegisterOptions{})

	call(t, r, caller, 10, "com.example.add", wamp.CallOptions{}, 1, 2)
	inv := recvAs[*wamp.Invocation](t, callee)
	if inv.Registration != regID {
		t.Fatalf("invocation registration = %d, want %d", inv.Registration, regID)
	}
	if len(inv.Args) != 2 {
		t.Fatalf("invocation args = %#v", inv.Args)
	}
	if inv.Details.Caller != 0 {
		t.Fatal("caller disclosed without disclose_me")
	}

	yield(t, r, callee, inv.Request, wamp.YieldOptions{}, 3)
	res := recvAs[*wamp.Result](t, caller)
	if res.Request != 10 || res.Args[0] != 3 {
		t.Fatalf("result = %#v", res)
	}
}

func TestCallNoSuchProcedure(t *testing.T) {
	r := newTestRouter(t)
	caller := join(t, r, "caller", "user")

	call(t, r, caller, 1, "com.example.missing", wamp.CallOptions{})
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrNoSuchProcedure {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
}

func TestRegisterConflicts(t *testing.T) {
	r := newTestRouter(t)
	a := join(t, r, "a", "backend")
	b := join(t, r, "b", "backend")

	register(t, r, a, "com.example.proc", wamp.RegisterOptions{})

	r.Process(context.Background(), b.sess, &wamp.Register{Request: 2, Procedure: "com.example.proc"})
	errMsg := recvAs[*wamp.Error](t, b)
	if errMsg.Error != wamp.ErrProcedureAlreadyExists {
		t.Fatalf("error uri = %q", errMsg.Error)
	}

	register(t, r, a, "com.example.shared", wamp.RegisterOptions{Invoke: wamp.InvokeRoundRobin})
	r.Process(context.Background(), b.sess, &wamp.Register{
		Request:   3,
		Options:   wamp.RegisterOptions{Invoke: wamp.InvokeLast},
		Procedure: "com.example.shared",
	})
	errMsg = recvAs[*wamp.Error](t, b)
	if errMsg.Error != wamp.ErrProcedureExistsInvocationPolicyConflict {
		t.Fatalf("error uri = %q", errMsg.Error)
	}

	// Single against an existing shared registration is equally a policy
	// conflict, not procedure_already_exists.
	r.Process(context.Background(), b.sess, &wamp.Register{
		Request:   4,
		Options:   wamp.RegisterOptions{Invoke: wamp.InvokeSingle},
		Procedure: "com.example.shared",
	})
	errMsg = recvAs[*wamp.Error](t, b)
	if errMsg.Error != wamp.ErrProcedureExistsInvocationPolicyConflict {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
}

func TestRoundRobinDistribution(t *testing.T) {
	r := newTestRouter(t)
	a := join(t, r, "a", "backend")
	b := join(t, r, "b", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, a, "com.example.work", wamp.RegisterOptions{Invoke: wamp.InvokeRoundRobin})
	register(t, r, b, "com.example.work", wamp.RegisterOptions{Invoke: wamp.InvokeRoundRobin})

	call(t, r, caller, 1, "com.example.work", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, a)
	call(t, r, caller, 2, "com.example.work", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, b)
	call(t, r, caller, 3, "com.example.work", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, a)
}

func TestConcurrencyLimitWithoutQueueing(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{Concurrency: 1})

	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{})
	inv := recvAs[*wamp.Invocation](t, callee)

	call(t, r, caller, 2, "com.example.slow", wamp.CallOptions{})
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrMaxConcurrencyReached {
		t.Fatalf("error uri = %q", errMsg.Error)
	}

	// The slot frees on the final yield.
	yield(t, r, callee, inv.Request, wamp.YieldOptions{})
	recvAs[*wamp.Result](t, caller)
	call(t, r, caller, 3, "com.example.slow", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, callee)
}

func TestConcurrencyLimitQueuesWithStore(t *testing.T) {
	r := newTestRouter(t, WithStore(memory.New()))
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{Concurrency: 1})

	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{}, "first")
	inv1 := recvAs[*wamp.Invocation](t, callee)

	// Parked: no reply of any kind yet.
	call(t, r, caller, 2, "com.example.slow", wamp.CallOptions{}, "second")
	caller.expectSilence(t)

	yield(t, r, callee, inv1.Request, wamp.YieldOptions{}, "done-1")
	res1 := recvAs[*wamp.Result](t, caller)
	if res1.Request != 1 {
		t.Fatalf("first result request = %d", res1.Request)
	}

	inv2 := recvAs[*wamp.Invocation](t, callee)
	if inv2.Args[0] != "second" {
		t.Fatalf("queued call args = %#v", inv2.Args)
	}
	yield(t, r, callee, inv2.Request, wamp.YieldOptions{}, "done-2")
	res2 := recvAs[*wamp.Result](t, caller)
	if res2.Request != 2 {
		t.Fatalf("second result request = %d", res2.Request)
	}
}

func TestQueuedCallDroppedWhenCallerLeaves(t *testing.T) {
	r := newTestRouter(t, WithStore(memory.New()))
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{Concurrency: 1})

	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{})
	inv1 := recvAs[*wamp.Invocation](t, callee)
	call(t, r, caller, 2, "com.example.slow", wamp.CallOptions{})

	r.Detach(caller.sess)
	// The first call was interrupted by the caller's departure; the
	// queued one must not be dispatched.
	recvAs[*wamp.Interrupt](t, callee)
	yield(t, r, callee, inv1.Request, wamp.YieldOptions{})
	r.Drain()
	callee.expectSilence(t)
}

func TestCancelSkipMode(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{})
	inv := recvAs[*wamp.Invocation](t, callee)

	r.Process(context.Background(), caller.sess, &wamp.Cancel{Request: 1, Mode: wamp.CancelSkip})
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrCanceled {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
	callee.expectSilence(t)

	// The late yield is dropped, not forwarded.
	yield(t, r, callee, inv.Request, wamp.YieldOptions{}, "late")
	caller.expectSilence(t)
}

func TestCancelKillDefersErrorUntilCalleeResponds(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{})
	inv := recvAs[*wamp.Invocation](t, callee)

	r.Process(context.Background(), caller.sess, &wamp.Cancel{Request: 1, Mode: wamp.CancelKill})
	interrupt := recvAs[*wamp.Interrupt](t, callee)
	if interrupt.Request != inv.Request {
		t.Fatalf("interrupt request = %d, want %d", interrupt.Request, inv.Request)
	}
	caller.expectSilence(t)

	r.Process(context.Background(), callee.sess, &wamp.Error{
		Type:    wamp.MsgInvocation,
		Request: inv.Request,
		Error:   wamp.ErrCanceled,
	})
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrCanceled || errMsg.Request != 1 {
		t.Fatalf("deferred error = %#v", errMsg)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, callee)

	r.Process(context.Background(), caller.sess, &wamp.Cancel{Request: 1, Mode: wamp.CancelKillNoWait})
	recvAs[*wamp.Interrupt](t, callee)
	recvAs[*wamp.Error](t, caller)

	r.Process(context.Background(), caller.sess, &wamp.Cancel{Request: 1, Mode: wamp.CancelKillNoWait})
	caller.expectSilence(t)
	callee.expectSilence(t)

	// Canceling an unknown call is equally a no-op.
	r.Process(context.Background(), caller.sess, &wamp.Cancel{Request: 999})
	caller.expectSilence(t)
}

func TestCalleeDepartureFailsCall(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, callee)

	r.Detach(callee.sess)
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrCanceled {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
}

func TestForceReregisterEvictsHolder(t *testing.T) {
	r := newTestRouter(t)
	old := join(t, r, "old", "backend")
	next := join(t, r, "next", "backend")
	caller := join(t, r, "caller", "user")

	oldReg := register(t, r, old, "com.example.proc", wamp.RegisterOptions{})
	newReg := register(t, r, next, "com.example.proc", wamp.RegisterOptions{ForceReregister: true})
	if newReg == oldReg {
		t.Fatal("forced re-register must mint a new registration ID")
	}

	revoked := recvAs[*wamp.Unregistered](t, old)
	if revoked.Registration != oldReg || revoked.Reason != wamp.ErrUnregistered {
		t.Fatalf("revocation = %#v", revoked)
	}

	call(t, r, caller, 1, "com.example.proc", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, next)
	old.expectSilence(t)
}

func TestProgressiveResults(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.stream", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.stream", wamp.CallOptions{ReceiveProgress: true})
	inv := recvAs[*wamp.Invocation](t, callee)
	if !inv.Details.ReceiveProgress {
		t.Fatal("receive_progress not forwarded to the callee")
	}

	yield(t, r, callee, inv.Request, wamp.YieldOptions{Progress: true}, "chunk-1")
	yield(t, r, callee, inv.Request, wamp.YieldOptions{Progress: true}, "chunk-2")
	yield(t, r, callee, inv.Request, wamp.YieldOptions{}, "final")

	for _, want := range []string{"chunk-1", "chunk-2"} {
		res := recvAs[*wamp.Result](t, caller)
		if !res.Details.Progress || res.Args[0] != want {
			t.Fatalf("progress result = %#v", res)
		}
	}
	final := recvAs[*wamp.Result](t, caller)
	if final.Details.Progress || final.Args[0] != "final" {
		t.Fatalf("final result = %#v", final)
	}
}

func TestProgressSuppressedWithoutCallerOptIn(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.stream", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.stream", wamp.CallOptions{})
	inv := recvAs[*wamp.Invocation](t, callee)

	yield(t, r, callee, inv.Request, wamp.YieldOptions{Progress: true}, "chunk")
	caller.expectSilence(t)
	yield(t, r, callee, inv.Request, wamp.YieldOptions{}, "final")
	res := recvAs[*wamp.Result](t, caller)
	if res.Args[0] != "final" {
		t.Fatalf("result = %#v", res)
	}
}

func TestCallTimeout(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{TimeoutMillis: 20})

	recvAs[*wamp.Invocation](t, callee)
	recvAs[*wamp.Interrupt](t, callee)
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrCanceled {
		t.Fatalf("timeout error uri = %q", errMsg.Error)
	}
}

// A YIELD or ERROR for an invocation the router no longer tracks is
// routine after cancels and timeouts; it must be dropped, not treated
// as a protocol violation.
func TestStrayCalleeResponsesIgnored(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")

	if err := r.Process(context.Background(), callee.sess, &wamp.Yield{Request: 424242}); err != nil {
		t.Fatalf("stray yield: %v", err)
	}
	if err := r.Process(context.Background(), callee.sess, &wamp.Error{
		Type:    wamp.MsgInvocation,
		Request: 424242,
		Error:   wamp.ErrCanceled,
	}); err != nil {
		t.Fatalf("stray error: %v", err)
	}
	callee.expectSilence(t)

	// The session stays usable.
	register(t, r, callee, "com.example.proc", wamp.RegisterOptions{})
}

func TestPatternRegistrationCarriesProcedure(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example", wamp.RegisterOptions{Match: wamp.MatchPrefix})
	call(t, r, caller, 1, "com.example.deep.proc", wamp.CallOptions{})
	inv := recvAs[*wamp.Invocation](t, callee)
	if inv.Details.Procedure != "com.example.deep.proc" {
		t.Fatalf("invocation procedure = %q", inv.Details.Procedure)
	}
}

func TestExactRegistrationBeatsPattern(t *testing.T) {
	r := newTestRouter(t)
	exact := join(t, r, "exact", "backend")
	prefix := join(t, r, "prefix", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, prefix, "com.example", wamp.RegisterOptions{Match: wamp.MatchPrefix})
	register(t, r, exact, "com.example.proc", wamp.RegisterOptions{})

	call(t, r, caller, 1, "com.example.proc", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, exact)
	prefix.expectSilence(t)
}

func TestCallerDisclosure(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.proc", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.proc", wamp.CallOptions{DiscloseMe: true})
	inv := recvAs[*wamp.Invocation](t, callee)
	if inv.Details.Caller != caller.sess.ID() || inv.Details.CallerAuthID != "caller" {
		t.Fatalf("caller disclosure = %#v", inv.Details)
	}
}

func TestRegistrationMetaEvents(t *testing.T) {
	r := newTestRouter(t)
	meta := join(t, r, "meta", "user")
	subscribe(t, r, meta, "wamp.registration.on_register", wamp.SubscribeOptions{})
	r.Drain()
	meta.drainPending()

	callee := join(t, r, "callee", "backend")
	regID := register(t, r, callee, "com.example.proc", wamp.RegisterOptions{})
	r.Drain()

	ev := recvAs[*wamp.Event](t, meta)
	if got := ev.Args[1]; got != uint64(regID) {
		t.Fatalf("on_register registration = %v, want %d", got, regID)
	}
}

// The random policy dispatches without honoring per-callee concurrency
// limits.
func TestRandomPolicyIgnoresConcurrency(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.lucky", wamp.RegisterOptions{
		Invoke:      wamp.InvokeRandom,
		Concurrency: 1,
	})

	call(t, r, caller, 1, "com.example.lucky", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, callee)
	call(t, r, caller, 2, "com.example.lucky", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, callee)
}

func TestInvocationErrorForwarded(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.proc", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.proc", wamp.CallOptions{})
	inv := recvAs[*wamp.Invocation](t, callee)

	r.Process(context.Background(), callee.sess, &wamp.Error{
		Type:    wamp.MsgInvocation,
		Request: inv.Request,
		Error:   "com.example.error.out_of_stock",
		Args:    []any{"sorry"},
	})
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Type != wamp.MsgCall || errMsg.Request != 1 {
		t.Fatalf("forwarded error header = %#v", errMsg)
	}
	if errMsg.Error != "com.example.error.out_of_stock" || errMsg.Args[0] != "sorry" {
		t.Fatalf("forwarded error = %#v", errMsg)
	}
}

func TestUnregisterStopsDispatchAndDeletes(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	regID := register(t, r, callee, "com.example.proc", wamp.RegisterOptions{})
	r.Process(context.Background(), callee.sess, &wamp.Unregister{Request: 2, Registration: regID})
	recvAs[*wamp.Unregistered](t, callee)

	call(t, r, caller, 1, "com.example.proc", wamp.CallOptions{})
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrNoSuchProcedure {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
}

// A slow queue drain must not outlive the test routers; this is a guard
// against goroutine leaks in Close.
func TestRouterCloseStopsTaskQueue(t *testing.T) {
	r := New("corvo.close", WithStore(memory.New()))
	c := join(t, r, "alice", "user")
	_ = c
	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router close hung")
	}
}

// A kill-mode cancel defers the CANCELED error until the callee
// responds; if the callee instead leaves the realm, the deferred error
// is released by the detach.
func TestCalleeDepartureReleasesDeferredCancelError(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{})
	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, callee)

	r.Process(context.Background(), caller.sess, &wamp.Cancel{Request: 1, Mode: wamp.CancelKill})
	recvAs[*wamp.Interrupt](t, callee)
	caller.expectSilence(t)

	r.Detach(callee.sess)
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrCanceled || errMsg.Request != 1 {
		t.Fatalf("deferred error = %#v", errMsg)
	}
}

func TestCallTimeoutReleasesConcurrencySlot(t *testing.T) {
	r := newTestRouter(t)
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{Concurrency: 1})
	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{TimeoutMillis: 20})
	recvAs[*wamp.Invocation](t, callee)
	recvAs[*wamp.Interrupt](t, callee)
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrCanceled {
		t.Fatalf("timeout error uri = %q", errMsg.Error)
	}

	// The slot freed with the timeout.
	call(t, r, caller, 2, "com.example.slow", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, callee)
}

// The first policy pins dispatch to the oldest callee; a saturated
// designated callee fails the call rather than spilling to another.
func TestFirstPolicyDoesNotSpillOver(t *testing.T) {
	r := newTestRouter(t)
	a := join(t, r, "a", "backend")
	b := join(t, r, "b", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, a, "com.example.work", wamp.RegisterOptions{Invoke: wamp.InvokeFirst, Concurrency: 1})
	register(t, r, b, "com.example.work", wamp.RegisterOptions{Invoke: wamp.InvokeFirst, Concurrency: 1})

	call(t, r, caller, 1, "com.example.work", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, a)

	call(t, r, caller, 2, "com.example.work", wamp.CallOptions{})
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrMaxConcurrencyReached {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
	b.expectSilence(t)
}

func TestLastPolicyPinsToNewestCallee(t *testing.T) {
	r := newTestRouter(t)
	a := join(t, r, "a", "backend")
	b := join(t, r, "b", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, a, "com.example.work", wamp.RegisterOptions{Invoke: wamp.InvokeLast, Concurrency: 1})
	register(t, r, b, "com.example.work", wamp.RegisterOptions{Invoke: wamp.InvokeLast, Concurrency: 1})

	call(t, r, caller, 1, "com.example.work", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, b)

	call(t, r, caller, 2, "com.example.work", wamp.CallOptions{})
	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrMaxConcurrencyReached {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
	a.expectSilence(t)
}

func TestForceReregisterEvictsSharedRegistration(t *testing.T) {
	r := newTestRouter(t)
	a := join(t, r, "a", "backend")
	b := join(t, r, "b", "backend")
	next := join(t, r, "next", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, a, "com.example.proc", wamp.RegisterOptions{Invoke: wamp.InvokeRoundRobin})
	register(t, r, b, "com.example.proc", wamp.RegisterOptions{Invoke: wamp.InvokeRoundRobin})

	register(t, r, next, "com.example.proc", wamp.RegisterOptions{ForceReregister: true})
	recvAs[*wamp.Unregistered](t, a)
	recvAs[*wamp.Unregistered](t, b)

	call(t, r, caller, 1, "com.example.proc", wamp.CallOptions{})
	recvAs[*wamp.Invocation](t, next)
	a.expectSilence(t)
	b.expectSilence(t)
}

// failingPopStore breaks the queue's pop operation a set number of
// times to exercise degraded-store dispatch.
type failingPopStore struct {
	*memory.Store
	failures int
}

func (s *failingPopStore) PopQueuedCall(ctx context.Context, reg wamp.ID) (*realmstore.QueuedCall, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("queue backend unavailable")
	}
	return s.Store.PopQueuedCall(ctx, reg)
}

// A queued call whose pop fails must fail towards its caller instead of
// being dispatched off an uncommitted queue entry.
func TestQueuedCallFailsWhenPopFails(t *testing.T) {
	store := &failingPopStore{Store: memory.New(), failures: 1}
	r := newTestRouter(t, WithStore(store))
	callee := join(t, r, "callee", "backend")
	caller := join(t, r, "caller", "user")

	register(t, r, callee, "com.example.slow", wamp.RegisterOptions{Concurrency: 1})

	call(t, r, caller, 1, "com.example.slow", wamp.CallOptions{})
	inv1 := recvAs[*wamp.Invocation](t, callee)
	call(t, r, caller, 2, "com.example.slow", wamp.CallOptions{})
	caller.expectSilence(t)

	yield(t, r, callee, inv1.Request, wamp.YieldOptions{})
	recvAs[*wamp.Result](t, caller)
	r.Drain()

	errMsg := recvAs[*wamp.Error](t, caller)
	if errMsg.Error != wamp.ErrCanceled || errMsg.Request != 2 {
		t.Fatalf("queued call failure = %#v", errMsg)
	}
	callee.expectSilence(t)
}

func TestEventHistoryMetaProcedure(t *testing.T) {
	r := newTestRouter(t, WithStore(memory.New()))
	sub := join(t, r, "sub", "user")
	pub := join(t, r, "pub", "user")

	subID := subscribe(t, r, sub, "com.example.audit", wamp.SubscribeOptions{History: true})
	publish(t, r, pub, "com.example.audit", wamp.PublishOptions{}, "one")
	recvAs[*wamp.Event](t, sub)
	publish(t, r, pub, "com.example.audit", wamp.PublishOptions{}, "two")
	recvAs[*wamp.Event](t, sub)

	call(t, r, sub, 5, wamp.MetaProcEventHistory, wamp.CallOptions{}, uint64(subID))
	res := recvAs[*wamp.Result](t, sub)
	events, ok := res.Args[0].([]any)
	if !ok || len(events) != 2 {
		t.Fatalf("history result = %#v", res.Args)
	}
	first := events[0].(wamp.Dict)
	if first["topic"] != "com.example.audit" {
		t.Fatalf("history entry = %#v", first)
	}

	// Sessions that do not hold the subscription are refused.
	call(t, r, pub, 6, wamp.MetaProcEventHistory, wamp.CallOptions{}, uint64(subID))
	errMsg := recvAs[*wamp.Error](t, pub)
	if errMsg.Error != wamp.ErrNoSuchSubscription {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
}

func TestEventHistoryUnavailableWithoutStore(t *testing.T) {
	r := newTestRouter(t)
	c := join(t, r, "alice", "user")

	call(t, r, c, 1, wamp.MetaProcEventHistory, wamp.CallOptions{}, uint64(7))
	errMsg := recvAs[*wamp.Error](t, c)
	if errMsg.Error != wamp.ErrHistoryUnavailable {
		t.Fatalf("error uri = %q", errMsg.Error)
	}
}
