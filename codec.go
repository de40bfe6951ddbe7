package leaseq

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultCodecID is the codec used when a JobMessage does not name one.
const DefaultCodecID = "json"

// Codec encodes and decodes job payloads. Payload bytes are opaque to the
// queue; the codec id travels with the message so consumers can decode without
// compile-time coupling. Implementations must be safe for concurrent use.
type Codec interface {
	// ID returns the identifier carried in JobMessage.CodecID.
	ID() string
	// Encode serializes v into payload bytes.
	Encode(v any) ([]byte, error)
	// Decode deserializes payload bytes into v.
	Decode(data []byte, v any) error
}

// JSONCodec is the default payload codec.
type JSONCodec struct{}

// ID returns "json".
func (JSONCodec) ID() string { return DefaultCodecID }

// Encode serializes v as JSON.
func (JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// Decode deserializes JSON payload bytes into v.
func (JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

// EncodePayload encodes v with the given codec for use as JobMessage payload
// bytes.
func EncodePayload(c Codec, v any) ([]byte, error) {
	return c.Encode(v)
}

// CodecRegistry maps codec ids to implementations. The zero value is not
// usable; NewCodecRegistry pre-registers the JSON codec.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewCodecRegistry creates a registry with the JSON codec pre-registered.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]Codec)}
	r.codecs[DefaultCodecID] = JSONCodec{}
	return r
}

// Register adds a codec under its id. Registering a second codec under an
// already taken id is a configuration error.
func (r *CodecRegistry) Register(c Codec) error {
	if c == nil {
		return fmt.Errorf("codec is nil")
	}
	if c.ID() == "" {
		return fmt.Errorf("codec id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[c.ID()]; exists {
		return fmt.Errorf("codec %q already registered", c.ID())
	}
	r.codecs[c.ID()] = c
	return nil
}

// Lookup resolves a codec id. An empty id resolves to the default JSON codec.
func (r *CodecRegistry) Lookup(id string) (Codec, error) {
	if id == "" {
		id = DefaultCodecID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	c, exists := r.codecs[id]
	if !exists {
		return nil, fmt.Errorf("codec %q: %w", id, ErrCodecNotFound)
	}
	return c, nil
}

// IDs returns the registered codec ids.
func (r *CodecRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.codecs))
	for id := range r.codecs {
		ids = append(ids, id)
	}
	return ids
}

// Payload couples raw payload bytes with the codec named by the message, so
// handlers can decode without resolving codecs themselves.
type Payload struct {
	codec Codec
	raw   []byte
}

func newPayload(c Codec, raw []byte) Payload {
	return Payload{codec: c, raw: raw}
}

// Bytes returns the raw payload bytes.
func (p Payload) Bytes() []byte {
	return p.raw
}

// Decode deserializes the payload into v using the message's codec.
func (p Payload) Decode(v any) error {
	if p.codec == nil {
		return fmt.Errorf("payload has no codec: %w", ErrCodecNotFound)
	}
	return p.codec.Decode(p.raw, v)
}
