package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultCompressionThreshold leaves compression off so every metadata
	// object stays plain JSON for clients that read the folder directly.
	DefaultCompressionThreshold = -1

	// SuggestedCompressionThreshold is a useful threshold once every reader
	// understands zstd framing. Only records with inline covers exceed it.
	SuggestedCompressionThreshold = 2048

	// MaxDecodedSize caps a decompressed metadata object.
	MaxDecodedSize = 16 << 20
)

// zstdMagic begins every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ErrCodecClosed is returned after Close.
var ErrCodecClosed = errors.New("codec closed")

// Codec converts Records to and from metadata objects. Objects are JSON,
// compressed with zstd when large. Decoding accepts both forms.
// Codec is safe for concurrent use.
type Codec struct {
	threshold int

	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCompressionThreshold sets the size above which objects are
// compressed. A negative value disables compression on write.
func WithCompressionThreshold(n int) CodecOption {
	return func(c *Codec) {
		c.threshold = n
	}
}

// NewCodec creates a codec with reusable zstd state.
func NewCodec(opts ...CodecOption) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	c := &Codec{
		threshold: DefaultCompressionThreshold,
		encoder:   enc,
		decoder:   dec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes r.
func (c *Codec) Encode(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", r.ID, err)
	}
	if c.threshold < 0 || len(data) <= c.threshold {
		return data, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.encoder == nil {
		return nil, ErrCodecClosed
	}
	compressed := c.encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

// Decode parses a metadata object.
func (c *Codec) Decode(data []byte) (*Record, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		c.mu.RLock()
		dec := c.decoder
		if dec == nil {
			c.mu.RUnlock()
			return nil, ErrCodecClosed
		}
		plain, err := dec.DecodeAll(data, nil)
		c.mu.RUnlock()
		if err != nil {
			return nil, fmt.Errorf("decompressing metadata: %w", err)
		}
		data = plain
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &r, nil
}
