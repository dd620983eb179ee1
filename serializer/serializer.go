// Package serializer translates between wamp.Message values and the WAMP
// wire format: flat arrays [type, ...] with options/details dicts, in a
// JSON or CBOR encoding negotiated per connection.
package serializer

import (
	"errors"
	"fmt"

	"github.com/corvoio/corvo/wamp"
)

// Serializer encodes and decodes one WAMP message per payload frame.
type Serializer interface {
	Serialize(msg wamp.Message) ([]byte, error)
	Deserialize(data []byte) (wamp.Message, error)
}

// ErrBadMessage is wrapped by all deserialization failures.
var ErrBadMessage = errors.New("malformed wamp message")

func badMessage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadMessage, fmt.Sprintf(format, args...))
}

// ByName resolves a serializer by its registered subprotocol suffix
// ("json" or "cbor").
func ByName(name string) (Serializer, error) {
	switch name {
	case "json":
		return &JSON{}, nil
	case "cbor":
		return &CBOR{}, nil
	}
	return nil, fmt.Errorf("unknown serializer %q", name)
}
