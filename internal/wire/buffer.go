package wire

import "encoding/json"

// BufferJSON mirrors the "buffer as JSON" shape used on the wire:
// {"type":"Buffer","data":[<bytes as numbers>]}. It round-trips an
// arbitrary byte slice without base64, matching what the original
// Node.js implementation produces from Buffer.prototype.toJSON.
type BufferJSON struct {
	Data []byte
}

// NewBuffer wraps raw bytes for wire transmission.
func NewBuffer(b []byte) *BufferJSON {
	return &BufferJSON{Data: b}
}

type bufferWire struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

// MarshalJSON implements json.Marshaler with the Buffer-as-JSON shape.
func (b BufferJSON) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b.Data))
	for i, v := range b.Data {
		ints[i] = int(v)
	}
	return json.Marshal(bufferWire{Type: "Buffer", Data: ints})
}

// UnmarshalJSON implements json.Unmarshaler for the Buffer-as-JSON shape.
func (b *BufferJSON) UnmarshalJSON(data []byte) error {
	var aux bufferWire
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	out := make([]byte, len(aux.Data))
	for i, v := range aux.Data {
		out[i] = byte(v)
	}
	b.Data = out
	return nil
}
