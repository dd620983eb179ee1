// Package observation implements the URI-observation map shared by the
// broker (subscriptions) and the dealer (registrations): a registry from
// URI pattern + match policy to an observation carrying an ordered set of
// observer sessions plus policy-specific extra state.
package observation

import (
	"sort"
	"time"

	"github.com/corvoio/corvo/wamp"
)

// Observation records who is listening on (or serving) a URI pattern.
// O is the observer type (a session reference, comparable so it can key
// maps); E is the kind-specific extra state (subscription or registration
// extra).
type Observation[O comparable, E any] struct {
	ID      wamp.ID
	URI     string
	Match   wamp.MatchPolicy
	Created time.Time

	// Extra holds broker- or dealer-specific state for this observation.
	Extra E

	// observers in insertion order; the index makes membership O(1).
	ordered []O
	members map[O]struct{}
}

// Observers returns the observer set in insertion order. The returned
// slice is owned by the observation and must not be mutated or retained
// across map operations.
func (o *Observation[O, E]) Observers() []O { return o.ordered }

// HasObserver reports whether obs is in the observer set.
func (o *Observation[O, E]) HasObserver(obs O) bool {
	_, ok := o.members[obs]
	return ok
}

// NumObservers returns the observer count.
func (o *Observation[O, E]) NumObservers() int { return len(o.ordered) }

func (o *Observation[O, E]) add(obs O) bool {
	if _, ok := o.members[obs]; ok {
		return false
	}
	o.members[obs] = struct{}{}
	o.ordered = append(o.ordered, obs)
	return true
}

func (o *Observation[O, E]) remove(obs O) bool {
	if _, ok := o.members[obs]; !ok {
		return false
	}
	delete(o.members, obs)
	for i, cur := range o.ordered {
		if cur == obs {
			o.ordered = append(o.ordered[:i], o.ordered[i+1:]...)
			break
		}
	}
	return true
}

// Map is the set of observations maintained by one broker or dealer. It is
// not safe for concurrent use; the owning router serializes access.
type Map[O comparable, E any] struct {
	exact    map[string]*Observation[O, E]
	prefix   map[string]*Observation[O, E]
	wildcard map[string]*Observation[O, E]
	byID     map[wamp.ID]*Observation[O, E]

	idGen *wamp.IDGen
}

// NewMap returns an empty observation map.
func NewMap[O comparable, E any]() *Map[O, E] {
	return &Map[O, E]{
		exact:    make(map[string]*Observation[O, E]),
		prefix:   make(map[string]*Observation[O, E]),
		wildcard: make(map[string]*Observation[O, E]),
		byID:     make(map[wamp.ID]*Observation[O, E]),
		idGen:    &wamp.IDGen{},
	}
}

func (m *Map[O, E]) bucket(match wamp.MatchPolicy) map[string]*Observation[O, E] {
	switch match.Normalize() {
	case wamp.MatchPrefix:
		return m.prefix
	case wamp.MatchWildcard:
		return m.wildcard
	default:
		return m.exact
	}
}

// AddObserver adds observer to the observation for (uri, match), creating
// the observation with the given extra state if it does not exist yet.
// Re-adding an existing observer is idempotent and reported through
// wasObserved. isFirst is true only when the observer set transitions
// from empty to non-empty.
func (m *Map[O, E]) AddObserver(observer O, uri string, match wamp.MatchPolicy, extra E) (obs *Observation[O, E], wasObserved, isFirst bool) {
	bucket := m.bucket(match)
	obs, ok := bucket[uri]
	if !ok {
		obs = &Observation[O, E]{
			ID:      m.idGen.Next(),
			URI:     uri,
			Match:   match.Normalize(),
			Created: time.Now().UTC(),
			Extra:   extra,
			members: make(map[O]struct{}),
		}
		bucket[uri] = obs
		m.byID[obs.ID] = obs
	}
	isFirst = obs.NumObservers() == 0
	wasObserved = !obs.add(observer)
	if wasObserved {
		isFirst = false
	}
	return obs, wasObserved, isFirst
}

// DropObserver removes observer from obs. wasObserved reports whether the
// observer was actually present; wasLast whether the set became empty.
func (m *Map[O, E]) DropObserver(observer O, obs *Observation[O, E]) (wasObserved, wasLast bool) {
	wasObserved = obs.remove(observer)
	wasLast = wasObserved && obs.NumObservers() == 0
	return wasObserved, wasLast
}

// DeleteObservation removes obs from all indices. The caller must have
// established that deletion is safe (empty observer set and, for
// subscriptions, no retained events).
func (m *Map[O, E]) DeleteObservation(obs *Observation[O, E]) {
	delete(m.bucket(obs.Match), obs.URI)
	delete(m.byID, obs.ID)
}

// Get returns the observation for exactly (uri, match), or nil.
func (m *Map[O, E]) Get(uri string, match wamp.MatchPolicy) *Observation[O, E] {
	return m.bucket(match)[uri]
}

// GetByID returns the observation with the given ID, or nil.
func (m *Map[O, E]) GetByID(id wamp.ID) *Observation[O, E] {
	return m.byID[id]
}

// Match returns every observation whose pattern matches uri, ordered
// exact first, then prefix matches longest-pattern-first, then wildcard
// matches. This ordering governs event delivery order.
func (m *Map[O, E]) Match(uri string) []*Observation[O, E] {
	var out []*Observation[O, E]
	if obs, ok := m.exact[uri]; ok {
		out = append(out, obs)
	}
	var prefixes []*Observation[O, E]
	for pattern, obs := range m.prefix {
		if wamp.MatchPrefixPattern(uri, pattern) {
			prefixes = append(prefixes, obs)
		}
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i].URI) != len(prefixes[j].URI) {
			return len(prefixes[i].URI) > len(prefixes[j].URI)
		}
		return prefixes[i].URI < prefixes[j].URI
	})
	out = append(out, prefixes...)

	var wildcards []*Observation[O, E]
	for pattern, obs := range m.wildcard {
		if wamp.MatchWildcardPattern(uri, pattern) {
			wildcards = append(wildcards, obs)
		}
	}
	// Wildcard specificity: more non-empty components first, then by
	// pattern for determinism.
	sort.Slice(wildcards, func(i, j int) bool {
		si, sj := wildcardSpecificity(wildcards[i].URI), wildcardSpecificity(wildcards[j].URI)
		if si != sj {
			return si > sj
		}
		return wildcards[i].URI < wildcards[j].URI
	})
	out = append(out, wildcards...)
	return out
}

// BestMatch returns the single most specific observation matching uri, or
// nil: an exact match wins, then the longest matching prefix, then the
// most specific matching wildcard.
func (m *Map[O, E]) BestMatch(uri string) *Observation[O, E] {
	if obs, ok := m.exact[uri]; ok {
		return obs
	}
	var best *Observation[O, E]
	for pattern, obs := range m.prefix {
		if !wamp.MatchPrefixPattern(uri, pattern) {
			continue
		}
		if best == nil || len(obs.URI) > len(best.URI) {
			best = obs
		}
	}
	if best != nil {
		return best
	}
	for pattern, obs := range m.wildcard {
		if !wamp.MatchWildcardPattern(uri, pattern) {
			continue
		}
		if best == nil || wildcardSpecificity(obs.URI) > wildcardSpecificity(best.URI) ||
			(wildcardSpecificity(obs.URI) == wildcardSpecificity(best.URI) && obs.URI < best.URI) {
			best = obs
		}
	}
	return best
}

func wildcardSpecificity(pattern string) int {
	n := 0
	for _, c := range splitURI(pattern) {
		if c != "" {
			n++
		}
	}
	return n
}

func splitURI(uri string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(uri); i++ {
		if uri[i] == '.' {
			parts = append(parts, uri[start:i])
			start = i + 1
		}
	}
	return append(parts, uri[start:])
}
