package observation

import (
	"testing"

	"github.com/corvoio/corvo/wamp"
)

type observer struct{ name string }

func newTestMap() *Map[*observer, struct{}] {
	return NewMap[*observer, struct{}]()
}

func TestAddObserverIdempotent(t *testing.T) {
	m := newTestMap()
	a := &observer{"a"}

	obs, wasObserved, isFirst := m.AddObserver(a, "com.example.topic", wamp.MatchExact, struct{}{})
	if wasObserved || !isFirst {
		t.Fatalf("first add: wasObserved=%v isFirst=%v", wasObserved, isFirst)
	}
	if obs.ID == 0 || obs.URI != "com.example.topic" {
		t.Fatalf("observation = %#v", obs)
	}

	again, wasObserved, isFirst := m.AddObserver(a, "com.example.topic", wamp.MatchExact, struct{}{})
	if again != obs {
		t.Fatal("re-add created a new observation")
	}
	if !wasObserved || isFirst {
		t.Fatalf("re-add: wasObserved=%v isFirst=%v", wasObserved, isFirst)
	}
	if obs.NumObservers() != 1 {
		t.Fatalf("observer count = %d", obs.NumObservers())
	}
}

func TestSecondObserverIsNotFirst(t *testing.T) {
	m := newTestMap()
	m.AddObserver(&observer{"a"}, "com.example.topic", wamp.MatchExact, struct{}{})
	_, wasObserved, isFirst := m.AddObserver(&observer{"b"}, "com.example.topic", wamp.MatchExact, struct{}{})
	if wasObserved || isFirst {
		t.Fatalf("second observer: wasObserved=%v isFirst=%v", wasObserved, isFirst)
	}
}

func TestDropObserver(t *testing.T) {
	m := newTestMap()
	a, b := &observer{"a"}, &observer{"b"}
	obs, _, _ := m.AddObserver(a, "com.example.topic", wamp.MatchExact, struct{}{})
	m.AddObserver(b, "com.example.topic", wamp.MatchExact, struct{}{})

	wasObserved, wasLast := m.DropObserver(a, obs)
	if !wasObserved || wasLast {
		t.Fatalf("first drop: wasObserved=%v wasLast=%v", wasObserved, wasLast)
	}
	wasObserved, wasLast = m.DropObserver(a, obs)
	if wasObserved {
		t.Fatal("dropping twice reported the observer as present")
	}
	wasObserved, wasLast = m.DropObserver(b, obs)
	if !wasObserved || !wasLast {
		t.Fatalf("last drop: wasObserved=%v wasLast=%v", wasObserved, wasLast)
	}

	// The empty observation stays until explicitly deleted.
	if m.Get("com.example.topic", wamp.MatchExact) != obs {
		t.Fatal("observation deleted implicitly")
	}
	m.DeleteObservation(obs)
	if m.Get("com.example.topic", wamp.MatchExact) != nil {
		t.Fatal("observation survived deletion")
	}
	if m.GetByID(obs.ID) != nil {
		t.Fatal("ID index survived deletion")
	}
}

func TestSamePatternDifferentPoliciesAreDistinct(t *testing.T) {
	m := newTestMap()
	a := &observer{"a"}
	exact, _, _ := m.AddObserver(a, "com.example", wamp.MatchExact, struct{}{})
	prefix, _, _ := m.AddObserver(a, "com.example", wamp.MatchPrefix, struct{}{})
	if exact == prefix {
		t.Fatal("exact and prefix observations must be distinct")
	}
}

func TestMatchOrdering(t *testing.T) {
	m := newTestMap()
	a := &observer{"a"}

	wild, _, _ := m.AddObserver(a, "com..created", wamp.MatchWildcard, struct{}{})
	short, _, _ := m.AddObserver(a, "com", wamp.MatchPrefix, struct{}{})
	long, _, _ := m.AddObserver(a, "com.example", wamp.MatchPrefix, struct{}{})
	exact, _, _ := m.AddObserver(a, "com.example.created", wamp.MatchExact, struct{}{})

	got := m.Match("com.example.created")
	want := []*Observation[*observer, struct{}]{exact, long, short, wild}
	if len(got) != len(want) {
		t.Fatalf("matched %d observations, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("match order[%d] = %q/%s, want %q/%s",
				i, got[i].URI, got[i].Match, want[i].URI, want[i].Match)
		}
	}
}

func TestBestMatchPrecedence(t *testing.T) {
	m := newTestMap()
	a := &observer{"a"}

	m.AddObserver(a, "com..created", wamp.MatchWildcard, struct{}{})
	m.AddObserver(a, "com", wamp.MatchPrefix, struct{}{})
	long, _, _ := m.AddObserver(a, "com.example", wamp.MatchPrefix, struct{}{})

	if got := m.BestMatch("com.example.created"); got != long {
		t.Fatalf("best match = %q/%s, want longest prefix", got.URI, got.Match)
	}

	exact, _, _ := m.AddObserver(a, "com.example.created", wamp.MatchExact, struct{}{})
	if got := m.BestMatch("com.example.created"); got != exact {
		t.Fatalf("best match = %q/%s, want exact", got.URI, got.Match)
	}

	if m.BestMatch("org.unrelated.uri") != nil {
		t.Fatal("best match for unrelated uri must be nil")
	}
}

func TestWildcardSpecificityOrdering(t *testing.T) {
	m := newTestMap()
	a := &observer{"a"}

	loose, _, _ := m.AddObserver(a, "..created", wamp.MatchWildcard, struct{}{})
	tight, _, _ := m.AddObserver(a, "com..created", wamp.MatchWildcard, struct{}{})

	got := m.Match("com.example.created")
	if len(got) != 2 || got[0] != tight || got[1] != loose {
		t.Fatalf("wildcard ordering wrong: %v", got)
	}
}
