// Package schema implements the router's payload validation hook. A
// Validator checks application payloads (event, call, call_result,
// call_error) against JSON Schemas registered per URI pattern.
package schema

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/corvoio/corvo/wamp"
)

// Kind names the payload kind being validated.
type Kind string

const (
	KindEvent      Kind = "event"
	KindCall       Kind = "call"
	KindCallResult Kind = "call_result"
	KindCallError  Kind = "call_error"
)

// Validator validates application payloads. Validate returns nil for
// acceptable payloads; any error maps to wamp.error.invalid_argument at
// the protocol level. It must be fast and non-blocking: the router calls
// it synchronously on the message path.
type Validator interface {
	Validate(kind Kind, uri string, args []any, kwargs wamp.Dict) error
}

// AcceptAll performs no validation.
type AcceptAll struct{}

func (AcceptAll) Validate(Kind, string, []any, wamp.Dict) error { return nil }

// Registry validates payloads against JSON Schemas registered per
// (kind, uri pattern). URIs with no registered schema are accepted.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	kind   Kind
	uri    string
	match  wamp.MatchPolicy
	schema *gojsonschema.Schema
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry { return &Registry{} }

// Register compiles schemaJSON and applies it to payloads of the given
// kind on URIs matching (uri, match). The schema validates an object of
// the form {"args": [...], "kwargs": {...}}.
func (r *Registry) Register(kind Kind, uri string, match wamp.MatchPolicy, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %s %s: %w", kind, uri, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{kind: kind, uri: uri, match: match, schema: schema})
	return nil
}

// Validate implements Validator.
func (r *Registry) Validate(kind Kind, uri string, args []any, kwargs wamp.Dict) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.kind != kind || !wamp.Match(uri, e.uri, e.match) {
			continue
		}
		doc := map[string]any{"args": args, "kwargs": kwargs}
		res, err := e.schema.Validate(gojsonschema.NewGoLoader(doc))
		if err != nil {
			return fmt.Errorf("validate %s payload for %s: %w", kind, uri, err)
		}
		if !res.Valid() {
			errs := res.Errors()
			if len(errs) > 0 {
				return fmt.Errorf("%s payload for %s: %s", kind, uri, errs[0].String())
			}
			return fmt.Errorf("%s payload for %s rejected by schema", kind, uri)
		}
	}
	return nil
}
