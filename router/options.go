package router

import (
	"log/slog"

	"github.com/corvoio/corvo/auth"
	"github.com/corvoio/corvo/metrics"
	"github.com/corvoio/corvo/realmstore"
	"github.com/corvoio/corvo/schema"
)

const (
	defaultEventChunkSize = 256
	defaultRetainLimit    = 16
)

type options struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	authorizer auth.Authorizer
	validator  schema.Validator
	store      realmstore.Store

	strictURI      bool
	eventChunkSize int
	retainLimit    int
}

func defaultOptions() options {
	return options{
		log:            slog.Default(),
		authorizer:     auth.AllowAll(),
		validator:      schema.AcceptAll{},
		eventChunkSize: defaultEventChunkSize,
		retainLimit:    defaultRetainLimit,
	}
}

// Option configures a Router (and, through the factory, every router it
// creates).
type Option func(*options)

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuthorizer sets the authorization hook; defaults to allow-all.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(o *options) {
		if a != nil {
			o.authorizer = a
		}
	}
}

// WithValidator sets the payload validation hook; defaults to accept-all.
func WithValidator(v schema.Validator) Option {
	return func(o *options) {
		if v != nil {
			o.validator = v
		}
	}
}

// WithStore attaches a realm persistence hook, enabling event history and
// call queueing. Without a store, calls that hit a concurrency limit fail
// immediately with max_concurrency_reached.
func WithStore(s realmstore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithStrictURIs enforces the strict URI grammar ([a-zA-Z0-9_]+ per
// component) instead of the loose one.
func WithStrictURIs(strict bool) Option {
	return func(o *options) { o.strictURI = strict }
}

// WithEventChunkSize sets how many receivers are dispatched per batch on
// large fan-outs before yielding to other router work.
func WithEventChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventChunkSize = n
		}
	}
}

// WithRetainLimit bounds how many retained events are kept per topic.
func WithRetainLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retainLimit = n
		}
	}
}
