// Package hashutil provides utilities for computing SHA-1 chunk digests during I/O operations.
package hashutil

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the wire-level chunk identity
	"encoding/hex"
	"hash"
	"io"
)

// Size is the length of a binary digest in bytes.
const Size = sha1.Size

// HashingWriter wraps an io.Writer and computes a SHA-1 digest of all data written.
type HashingWriter struct {
	w      io.Writer
	hasher hash.Hash
}

// NewHashingWriter creates a new HashingWriter that writes to w while computing a digest.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		w:      w,
		hasher: sha1.New(), //nolint:gosec
	}
}

// Write writes p to the underlying writer and updates the digest.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.hasher.Write(p[:n])
	}
	return n, err
}

// Digest returns the binary digest of all data written so far.
func (hw *HashingWriter) Digest() [Size]byte {
	var d [Size]byte
	copy(d[:], hw.hasher.Sum(nil))
	return d
}

// Sum returns the hex-encoded digest of all data written so far.
func (hw *HashingWriter) Sum() string {
	return hex.EncodeToString(hw.hasher.Sum(nil))
}

// HashingReader wraps an io.Reader and computes a SHA-1 digest of all data read.
type HashingReader struct {
	r      io.Reader
	hasher hash.Hash
	n      int64
}

// NewHashingReader creates a new HashingReader that reads from r while computing a digest.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r:      r,
		hasher: sha1.New(), //nolint:gosec
	}
}

// Read reads from the underlying reader and updates the digest.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.hasher.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// BytesRead returns the number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// Digest returns the binary digest of all data read so far.
func (hr *HashingReader) Digest() [Size]byte {
	var d [Size]byte
	copy(d[:], hr.hasher.Sum(nil))
	return d
}

// Sum returns the hex-encoded digest of all data read so far.
func (hr *HashingReader) Sum() string {
	return hex.EncodeToString(hr.hasher.Sum(nil))
}

// Digest returns the binary SHA-1 digest of data.
func Digest(data []byte) [Size]byte {
	return sha1.Sum(data) //nolint:gosec
}
