package wamp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// ID is a WAMP identifier: an integer in the range [1, 2^53]. Session IDs,
// publication IDs, subscription IDs, registration IDs and invocation IDs
// are all of this type, as are request IDs chosen by peers.
type ID uint64

// maxID is 2^53, the largest integer exactly representable in IEEE-754
// doubles, which JSON peers are limited to.
const maxID = 1 << 53

// GlobalID returns a random ID drawn uniformly from [1, 2^53]. Used for
// IDs that must be hard to guess across the whole routing realm: session
// IDs and publication IDs.
func GlobalID() ID {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return ID(binary.BigEndian.Uint64(b[:])%maxID) + 1
}

// IDGen generates sequential router-scope IDs (subscription, registration
// and invocation IDs). The zero value is ready to use. Safe for concurrent
// use.
type IDGen struct {
	mu   sync.Mutex
	next ID
}

// Next returns the next ID in the sequence, wrapping at 2^53.
func (g *IDGen) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	if g.next > maxID {
		g.next = 1
	}
	return g.next
}
