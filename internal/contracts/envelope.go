package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// ErrUnsupportedVersion rejects a frame whose schema version does not
// match the endpoint's contract.
var ErrUnsupportedVersion = fmt.Errorf("unsupported schema version: %w", defs.ErrInvalidArgument)

// Envelope is the frame service sessions speak over the wire. Payload
// stays opaque; the kernel routes it without interpreting it.
type Envelope struct {
	Version  uint32          `json:"version"`
	Endpoint string          `json:"endpoint"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := sonic.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope parses a wire frame. Only the frame shape is checked
// here; version and endpoint resolution are the registry's business.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := sonic.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Endpoint == "" {
		return Envelope{}, fmt.Errorf("envelope names no endpoint: %w", defs.ErrInvalidArgument)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("envelope names no kind: %w", defs.ErrInvalidArgument)
	}
	return e, nil
}
