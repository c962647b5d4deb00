package codec

import (
	"bytes"
	"encoding/json"
)

// JSON is the default codec.
var JSON Codec = &JSONCodec{}

// JSONCodec uses encoding/json. Marshal output never contains a raw newline:
// control characters inside strings are escaped and embedded RawMessage
// values are compacted.
type JSONCodec struct {
	// UseNumber keeps numbers as json.Number when decoding into interface values.
	UseNumber bool
}

func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Unmarshal(data []byte, v any) error {
	if !c.UseNumber {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *JSONCodec) Name() string {
	return "json"
}
