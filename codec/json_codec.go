package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. Readable on the wire, which helps when
// debugging a broker with tcpdump.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode treats an empty body as the zero value; heartbeats and Connect
// frames carry none.
func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
