// Package redis provides a realmstore backend on Redis, for deployments
// where event history and queued calls must survive router restarts.
//
// Layout:
//
//	corvo:event:<publication>      JSON-encoded event, with TTL
//	corvo:history:<subscription>   list of publication IDs, oldest first
//	corvo:queue:<registration>     list of JSON-encoded queued calls
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corvoio/corvo/realmstore"
	"github.com/corvoio/corvo/wamp"
)

const (
	defaultEventTTL     = 24 * time.Hour
	defaultHistoryLimit = 1024
	defaultQueueLimit   = 128
)

// Store implements realmstore.Store on a Redis connection.
type Store struct {
	rdb          redis.UniversalClient
	keyPrefix    string
	eventTTL     time.Duration
	historyLimit int64
	queueLimit   int64
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the default "corvo" key prefix, isolating
// multiple routers sharing one Redis.
func WithKeyPrefix(p string) Option { return func(s *Store) { s.keyPrefix = p } }

// WithEventTTL overrides how long stored events are retained.
func WithEventTTL(d time.Duration) Option { return func(s *Store) { s.eventTTL = d } }

// WithHistoryLimit bounds the per-subscription history length.
func WithHistoryLimit(n int) Option { return func(s *Store) { s.historyLimit = int64(n) } }

// WithQueueLimit bounds the per-registration call queue length.
func WithQueueLimit(n int) Option { return func(s *Store) { s.queueLimit = int64(n) } }

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:          rdb,
		keyPrefix:    "corvo",
		eventTTL:     defaultEventTTL,
		historyLimit: defaultHistoryLimit,
		queueLimit:   defaultQueueLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ realmstore.Store = (*Store)(nil)

func (s *Store) eventKey(pub wamp.ID) string {
	return fmt.Sprintf("%s:event:%d", s.keyPrefix, pub)
}

func (s *Store) historyKey(sub wamp.ID) string {
	return fmt.Sprintf("%s:history:%d", s.keyPrefix, sub)
}

func (s *Store) queueKey(reg wamp.ID) string {
	return fmt.Sprintf("%s:queue:%d", s.keyPrefix, reg)
}

func (s *Store) StoreEvent(ctx context.Context, ev realmstore.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Publication, err)
	}
	if err := s.rdb.Set(ctx, s.eventKey(ev.Publication), data, s.eventTTL).Err(); err != nil {
		return fmt.Errorf("store event %d: %w", ev.Publication, err)
	}
	return nil
}

func (s *Store) StoreEventHistory(ctx context.Context, subscription, publication wamp.ID) error {
	key := s.historyKey(subscription)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, strconv.FormatUint(uint64(publication), 10))
	pipe.LTrim(ctx, key, -s.historyLimit, -1)
	pipe.Expire(ctx, key, s.eventTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store event history for subscription %d: %w", subscription, err)
	}
	return nil
}

func (s *Store) EventHistory(ctx context.Context, subscription wamp.ID, limit int) ([]realmstore.Event, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	ids, err := s.rdb.LRange(ctx, s.historyKey(subscription), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load event history for subscription %d: %w", subscription, err)
	}
	out := make([]realmstore.Event, 0, len(ids))
	for _, raw := range ids {
		pub, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		data, err := s.rdb.Get(ctx, s.eventKey(wamp.ID(pub))).Bytes()
		if err == redis.Nil {
			// event expired out from under its history entry
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load event %d: %w", pub, err)
		}
		var ev realmstore.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", pub, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) MaybeQueueCall(ctx context.Context, registration wamp.ID, qc realmstore.QueuedCall) (bool, error) {
	key := s.queueKey(registration)
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check call queue for registration %d: %w", registration, err)
	}
	if n >= s.queueLimit {
		return false, nil
	}
	data, err := json.Marshal(qc)
	if err != nil {
		return false, fmt.Errorf("encode queued call: %w", err)
	}
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return false, fmt.Errorf("queue call for registration %d: %w", registration, err)
	}
	return true, nil
}

func (s *Store) GetQueuedCall(ctx context.Context, registration wamp.ID) (*realmstore.QueuedCall, error) {
	data, err := s.rdb.LIndex(ctx, s.queueKey(registration), 0).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peek call queue for registration %d: %w", registration, err)
	}
	return decodeQueuedCall(data)
}

func (s *Store) PopQueuedCall(ctx context.Context, registration wamp.ID) (*realmstore.QueuedCall, error) {
	data, err := s.rdb.LPop(ctx, s.queueKey(registration)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop call queue for registration %d: %w", registration, err)
	}
	return decodeQueuedCall(data)
}

func decodeQueuedCall(data []byte) (*realmstore.QueuedCall, error) {
	var qc realmstore.QueuedCall
	if err := json.Unmarshal(data, &qc); err != nil {
		return nil, fmt.Errorf("decode queued call: %w", err)
	}
	return &qc, nil
}
