// Package realmstore defines the optional per-realm persistence hook used
// by the router: event history for subscriptions that request it, and the
// call queue that absorbs invocations when a callee's concurrency limit
// is reached.
package realmstore

import (
	"context"
	"time"

	"github.com/corvoio/corvo/wamp"
)

// Event is a stored publication together with the disclosed publisher
// identity at publish time.
type Event struct {
	Publication       wamp.ID   `json:"publication"`
	Topic             string    `json:"topic"`
	Args              []any     `json:"args,omitempty"`
	Kwargs            wamp.Dict `json:"kwargs,omitempty"`
	Publisher         wamp.ID   `json:"publisher,omitempty"`
	PublisherAuthID   string    `json:"publisher_authid,omitempty"`
	PublisherAuthRole string    `json:"publisher_authrole,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// QueuedCall is a deferred invocation waiting for callee concurrency
// headroom. The caller is referenced by session ID; the dealer resolves
// it again at dispatch time.
type QueuedCall struct {
	Caller   wamp.ID    `json:"caller"`
	Call     *wamp.Call `json:"call"`
	Disclose bool       `json:"disclose"`
}

// Store is the realm persistence hook. All methods are best-effort from
// the router's point of view: a failing store degrades history and
// queueing, it never fails message routing.
type Store interface {
	// StoreEvent persists a published event once per publication.
	StoreEvent(ctx context.Context, ev Event) error

	// StoreEventHistory records that publication was delivered under
	// subscription, making it retrievable as that subscription's history.
	StoreEventHistory(ctx context.Context, subscription, publication wamp.ID) error

	// EventHistory returns up to limit most recent events recorded for
	// subscription, oldest first.
	EventHistory(ctx context.Context, subscription wamp.ID, limit int) ([]Event, error)

	// MaybeQueueCall appends a call to the registration's queue. It
	// returns false when queueing is declined (e.g. the queue is full),
	// in which case the dealer reports max_concurrency_reached.
	MaybeQueueCall(ctx context.Context, registration wamp.ID, qc QueuedCall) (bool, error)

	// GetQueuedCall peeks at the oldest queued call for registration
	// without removing it. Returns nil when the queue is empty.
	GetQueuedCall(ctx context.Context, registration wamp.ID) (*QueuedCall, error)

	// PopQueuedCall removes and returns the oldest queued call for
	// registration. Returns nil when the queue is empty.
	PopQueuedCall(ctx context.Context, registration wamp.ID) (*QueuedCall, error)
}
