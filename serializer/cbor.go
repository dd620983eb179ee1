package serializer

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/corvoio/corvo/wamp"
)

// CBOR implements the wamp.2.cbor serialization.
type CBOR struct{}

var _ Serializer = (*CBOR)(nil)

var cborDec cbor.DecMode

func init() {
	// String-keyed maps keep decoded dicts compatible with the JSON path.
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	cborDec = dm
}

func (*CBOR) Serialize(msg wamp.Message) ([]byte, error) {
	arr, err := toWire(msg)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(arr)
}

func (*CBOR) Deserialize(data []byte) (wamp.Message, error) {
	var arr []any
	if err := cborDec.Unmarshal(data, &arr); err != nil {
		return nil, badMessage("invalid cbor: %v", err)
	}
	return fromWire(arr)
}
