package serializer

import (
	"bytes"
	"encoding/json"

	"github.com/corvoio/corvo/wamp"
)

// JSON implements the wamp.2.json serialization.
type JSON struct{}

var _ Serializer = (*JSON)(nil)

func (*JSON) Serialize(msg wamp.Message) ([]byte, error) {
	arr, err := toWire(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(arr)
}

func (*JSON) Deserialize(data []byte) (wamp.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	// IDs reach 2^53; float64 round-trips them but json.Number keeps the
	// decode path uniform with CBOR's integer types.
	dec.UseNumber()
	var arr []any
	if err := dec.Decode(&arr); err != nil {
		return nil, badMessage("invalid json: %v", err)
	}
	return fromWire(arr)
}
