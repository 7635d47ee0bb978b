package eventlog

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

// =============================================================================
// PAYLOAD CODEC - Wire encoding for event payloads
// =============================================================================

// Payload types are registered by their domain packages at init time so the
// store can rehydrate events without importing every domain.

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Payload)
)

// RegisterPayload registers a factory for the given wire tag. Registering
// the same tag twice is a programming error.
func RegisterPayload(payloadType string, factory func() Payload) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[payloadType]; exists {
		panic("eventlog: payload type registered twice: " + payloadType)
	}
	registry[payloadType] = factory
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload rehydrates a payload from its wire tag and stored bytes.
func DecodePayload(payloadType string, data []byte) (Payload, error) {
	registryMu.RLock()
	factory, ok := registry[payloadType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("eventlog: unknown payload type %q", payloadType)
	}
	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("eventlog: decode %q: %w", payloadType, err)
	}
	return p, nil
}
