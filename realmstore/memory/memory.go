// Package memory provides the in-process realmstore backend: bounded
// per-subscription event history and bounded per-registration call
// queues. Suitable for single-node deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/corvoio/corvo/realmstore"
	"github.com/corvoio/corvo/wamp"
)

const (
	defaultHistoryLimit = 1024
	defaultQueueLimit   = 128
)

// Store implements realmstore.Store in memory.
type Store struct {
	mu sync.Mutex

	events  map[wamp.ID]realmstore.Event
	history map[wamp.ID][]wamp.ID // subscription -> publication ids, oldest first
	queues  map[wamp.ID][]realmstore.QueuedCall

	historyLimit int
	queueLimit   int
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit bounds the per-subscription history length.
func WithHistoryLimit(n int) Option { return func(s *Store) { s.historyLimit = n } }

// WithQueueLimit bounds the per-registration call queue length.
func WithQueueLimit(n int) Option { return func(s *Store) { s.queueLimit = n } }

// New returns an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		events:       make(map[wamp.ID]realmstore.Event),
		history:      make(map[wamp.ID][]wamp.ID),
		queues:       make(map[wamp.ID][]realmstore.QueuedCall),
		historyLimit: defaultHistoryLimit,
		queueLimit:   defaultQueueLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ realmstore.Store = (*Store)(nil)

func (s *Store) StoreEvent(_ context.Context, ev realmstore.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Publication] = ev
	return nil
}

func (s *Store) StoreEventHistory(_ context.Context, subscription, publication wamp.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.history[subscription], publication)
	if over := len(hist) - s.historyLimit; over > 0 {
		for _, old := range hist[:over] {
			delete(s.events, old)
		}
		hist = hist[over:]
	}
	s.history[subscription] = hist
	return nil
}

func (s *Store) EventHistory(_ context.Context, subscription wamp.ID, limit int) ([]realmstore.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.history[subscription]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]realmstore.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) MaybeQueueCall(_ context.Context, registration wamp.ID, qc realmstore.QueuedCall) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[registration]
	if len(q) >= s.queueLimit {
		return false, nil
	}
	s.queues[registration] = append(q, qc)
	return true, nil
}

func (s *Store) GetQueuedCall(_ context.Context, registration wamp.ID) (*realmstore.QueuedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[registration]
	if len(q) == 0 {
		return nil, nil
	}
	qc := q[0]
	return &qc, nil
}

func (s *Store) PopQueuedCall(_ context.Context, registration wamp.ID) (*realmstore.QueuedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[registration]
	if len(q) == 0 {
		return nil, nil
	}
	qc := q[0]
	if len(q) == 1 {
		delete(s.queues, registration)
	} else {
		s.queues[registration] = q[1:]
	}
	return &qc, nil
}
