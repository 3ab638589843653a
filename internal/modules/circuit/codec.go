package circuit

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Content types understood by Encode and Decode.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// MarshalMsgpack encodes the descriptor for the device wire.
func MarshalMsgpack(d *Descriptor) ([]byte, error) {
	return msgpack.Marshal(d)
}

// UnmarshalMsgpack decodes and validates a descriptor.
func UnmarshalMsgpack(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	if err := Validate(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Encode serializes v (a descriptor or any wire struct embedding one) in the
// given content type. Unknown content types fall back to JSON.
func Encode(contentType string, v interface{}) ([]byte, error) {
	if contentType == ContentTypeMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// Decode is the inverse of Encode.
func Decode(contentType string, data []byte, v interface{}) error {
	if contentType == ContentTypeMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
