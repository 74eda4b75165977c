package protocol

import (
	"encoding/json"
	"time"
)

// Encode serializes an envelope to a single JSON text frame, stamping
// Timestamp with the current time if it has not already been set. Binary
// bodies are expected to already be base64-encoded by the caller using
// standard base64, no URL-safe variant, no line wrapping.
func Encode(env Envelope) ([]byte, error) {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(env)
}

// Decode parses a single JSON text frame into an Envelope. It rejects
// frames that fail to parse as JSON or that carry an absent/non-string
// type tag, but otherwise tolerates unknown fields, since encoding/json
// ignores JSON object members that have no matching struct field. An
// Envelope whose Type is a well-formed but unrecognized tag decodes
// successfully — routing such a frame to a "drop with a warning" path is
// the dispatcher's job, not the codec's.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ErrMalformed{Reason: err.Error()}
	}
	if env.Type == "" {
		return Envelope{}, &ErrMalformed{Reason: "missing type"}
	}
	return env, nil
}

// Known reports whether typ is one of the enumerated wire variants.
func Known(typ Type) bool {
	return knownTypes[typ]
}
