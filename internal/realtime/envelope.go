package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a frame that is not a valid envelope.
var ErrMalformed = errors.New("realtime: malformed frame")

// Envelope is one inbound message. Type and Data are optional; any other
// top-level fields are kept verbatim in Fields.
type Envelope struct {
	Type   string
	Data   json.RawMessage
	Fields map[string]json.RawMessage
}

// ParseEnvelope decodes a frame. Only JSON objects are envelopes, and a
// type that is present must be a string (or null).
func ParseEnvelope(frame []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	var env Envelope
	if t, ok := raw["type"]; ok {
		if !isNull(t) {
			if err := json.Unmarshal(t, &env.Type); err != nil {
				return Envelope{}, fmt.Errorf("%w: type is not a string", ErrMalformed)
			}
		}
		delete(raw, "type")
	}
	if d, ok := raw["data"]; ok {
		env.Data = d
		delete(raw, "data")
	}
	if len(raw) > 0 {
		env.Fields = raw
	}

	return env, nil
}

// MarshalJSON writes the envelope back out as a single object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	if e.Type != "" {
		t, err := json.Marshal(e.Type)
		if err != nil {
			return nil, err
		}
		out["type"] = t
	}
	if e.Data != nil {
		out["data"] = e.Data
	}
	return json.Marshal(out)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
