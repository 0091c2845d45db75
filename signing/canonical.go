package signing

import (
	"encoding/json"
	"fmt"
)

// canonicalize produces a deterministic byte representation of the signed
// fields. Go's json.Marshal emits struct fields in declaration order and map
// keys sorted at every level, so identical payloads always serialize
// identically. The timestamp is reduced to Unix milliseconds so the digest
// does not depend on a formatting choice.
func canonicalize(p Payload) ([]byte, error) {
	wire := struct {
		Type      string         `json:"type"`
		Content   string         `json:"content"`
		Timestamp int64          `json:"timestamp"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}{
		Type:      string(p.Type),
		Content:   p.Content,
		Timestamp: p.Timestamp.UnixMilli(),
		Metadata:  p.Metadata,
	}

	b, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return b, nil
}
