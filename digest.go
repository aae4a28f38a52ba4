// Package audionix holds the identifier and content digest primitives shared by
// the audionix media index.
package audionix

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// digestAlg prefixes the textual form of a digest.
const digestAlg = "blake3"

// Digest is a BLAKE3 256-bit content digest of an audio blob.
type Digest [DigestSize]byte

// String returns the canonical form "blake3:<hex>".
func (d Digest) String() string {
	return digestAlg + ":" + hex.EncodeToString(d[:])
}

// Hex returns the plain hex digest without the algorithm prefix.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// IsZero returns true if the digest is all zeros (uninitialized).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses a digest in the form "blake3:<hex>".
// A plain hex string without the prefix is accepted and assumed to be BLAKE3.
func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	alg, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = alg
		alg = digestAlg
	}
	if strings.ToLower(alg) != digestAlg {
		return Digest{}, fmt.Errorf("unsupported algorithm %q in digest %q", alg, s)
	}
	if len(hexStr) != DigestSize*2 {
		return Digest{}, fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(hexStr))
	}

	var d Digest
	if _, err := hex.Decode(d[:], []byte(strings.ToLower(hexStr))); err != nil {
		return Digest{}, fmt.Errorf("invalid hex in digest %q: %w", s, err)
	}
	return d, nil
}

// DigestBytes computes the BLAKE3 digest of the given bytes.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// DigestingReader wraps a reader and computes the digest as data is read.
type DigestingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewDigestingReader creates a reader that computes a digest as data is read.
func NewDigestingReader(r io.Reader) *DigestingReader {
	return &DigestingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (dr *DigestingReader) Read(p []byte) (int, error) {
	n, err := dr.r.Read(p)
	if n > 0 {
		dr.h.Write(p[:n])
		dr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all data read so far.
func (dr *DigestingReader) Sum() Digest {
	var d Digest
	dr.h.Sum(d[:0])
	return d
}

// BytesRead returns the total number of bytes read.
func (dr *DigestingReader) BytesRead() int64 {
	return dr.n
}
