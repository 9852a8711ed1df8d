// Package fingerprint computes fixed-length content digests of files by
// streaming them through a hash in bounded chunks.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Algorithm selects the content hash
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	XXHash Algorithm = "xxhash"
)

// DefaultChunkSize is the read buffer used when none is configured.
const DefaultChunkSize = 32 * 1024

// Valid reports whether a is a supported algorithm.
func Valid(a Algorithm) bool {
	switch a {
	case SHA256, XXHash:
		return true
	}
	return false
}

// Hasher computes fingerprints with a single algorithm and chunk size.
// It is not safe for concurrent use; the buffer is reused between files.
type Hasher struct {
	algo Algorithm
	buf  []byte
}

// New creates a Hasher. A chunkSize <= 0 selects DefaultChunkSize.
func New(algo Algorithm, chunkSize int) (*Hasher, error) {
	if !Valid(algo) {
		return nil, fmt.Errorf("unknown hash algorithm: %q", algo)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Hasher{algo: algo, buf: make([]byte, chunkSize)}, nil
}

// Algorithm returns the configured algorithm.
func (h *Hasher) Algorithm() Algorithm {
	return h.algo
}

// File returns the hex fingerprint of the file at path.
func (h *Hasher) File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	return h.Reader(f)
}

// Reader returns the hex fingerprint of everything read from r.
func (h *Hasher) Reader(r io.Reader) (string, error) {
	d := h.digest()

	// Hide io.WriterTo so reads always go through our fixed buffer
	if _, err := io.CopyBuffer(d, struct{ io.Reader }{r}, h.buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(d.Sum(nil)), nil
}

func (h *Hasher) digest() hash.Hash {
	if h.algo == XXHash {
		return xxhash.New()
	}
	return sha256.New()
}
