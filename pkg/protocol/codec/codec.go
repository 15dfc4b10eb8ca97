package codec

import "fmt"

// Codec converts opaque payload bytes to and from typed values for one
// declared content type. Implementations must be safe for concurrent use.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs. Built once at startup; lookups are
// read-only afterwards.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the built-in codecs:
// JSON, CBOR and Protobuf.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	r.Register(Proto())
	return r
}

// Register adds a codec, replacing any existing one for the same content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Negotiate resolves the codec a connection declared at setup time.
func (r *Registry) Negotiate(contentType string) (Codec, error) {
	if c := r.byType[contentType]; c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("unsupported content type: %q", contentType)
}
