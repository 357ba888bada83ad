// Package codec defines the decoder contract the receive pipeline drives
// and a registry that builds decoders for a BASE codec configuration.
//
// The codec math itself is opaque to the pipeline: a Decoder turns one
// codec frame into PCM, and a nil frame asks it for a concealment frame.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/broadcastsink/internal/base"
)

var (
	ErrUnsupported    = errors.New("codec: unsupported coding format")
	ErrInvalidConfig  = errors.New("codec: incomplete codec configuration")
	ErrFrameSize      = errors.New("codec: frame size does not match configuration")
	ErrBufferTooSmall = errors.New("codec: pcm buffer too small")
)

// Decoder decodes one channel's codec frames into 16-bit PCM.
type Decoder interface {
	// Decode decodes frame into pcm and returns the number of samples
	// written. A nil frame runs packet loss concealment and still produces
	// a full frame of samples.
	Decode(frame []byte, pcm []int16) (int, error)
}

// Factory builds a Decoder for one channel of a stream.
type Factory func(cfg base.CodecConfig) (Decoder, error)

// Registry maps coding formats to decoder factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[uint8]Factory
}

// NewRegistry returns a registry with the built-in linear PCM decoder.
// LC3 is added by whoever links an implementation, via Register.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[uint8]Factory)}
	r.Register(base.CodingFormatLinearPCM, NewPCMDecoder)
	return r
}

// Register adds or replaces the factory for a coding format.
func (r *Registry) Register(format uint8, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[format] = f
}

// Supports reports whether the registry can decode id. It has the shape of
// base.ResolveOptions.Compatible.
func (r *Registry) Supports(id base.CodecID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[id.Format]
	return ok
}

// New builds a decoder for one channel with the given configuration.
func (r *Registry) New(id base.CodecID, cfg base.CodecConfig) (Decoder, error) {
	r.mu.RLock()
	f, ok := r.factories[id.Format]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupported, id.Format)
	}
	if !cfg.Valid() {
		return nil, ErrInvalidConfig
	}
	return f(cfg)
}
