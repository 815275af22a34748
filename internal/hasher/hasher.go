// Package hasher computes SHA-256 digests of downloaded artifacts, either
// incrementally as chunks arrive or over a whole file.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// ErrFinalized is returned when a finalized hasher is used again
var ErrFinalized = errors.New("hasher already finalized")

// Hasher is a single-use incremental SHA-256 accumulator
type Hasher struct {
	h         hash.Hash
	written   int64
	finalized bool
}

// New creates an empty hasher
func New() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Restore creates a hasher from a state produced by State
func Restore(state []byte) (*Hasher, error) {
	h := sha256.New()
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, errors.New("sha256 digest does not support state restore")
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("restore hash state: %w", err)
	}
	return &Hasher{h: h}, nil
}

// Update feeds p into the digest
func (h *Hasher) Update(p []byte) error {
	if h.finalized {
		return ErrFinalized
	}
	n, _ := h.h.Write(p)
	h.written += int64(n)
	return nil
}

// Written is the number of bytes fed since New or Restore
func (h *Hasher) Written() int64 {
	return h.written
}

// State returns the serialized digest state so hashing can continue later
func (h *Hasher) State() ([]byte, error) {
	if h.finalized {
		return nil, ErrFinalized
	}
	m, ok := h.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.New("sha256 digest does not support state export")
	}
	return m.MarshalBinary()
}

// Finalize returns the lowercase hex digest. The hasher cannot be used afterwards.
func (h *Hasher) Finalize() (string, error) {
	if h.finalized {
		return "", ErrFinalized
	}
	h.finalized = true
	return hex.EncodeToString(h.h.Sum(nil)), nil
}

// HashFile returns the hex SHA-256 of the file at path, stopping early if ctx is done
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 1024*1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Normalize lowercases a signature and strips an optional "sha256:" prefix
func Normalize(sig string) string {
	sig = strings.TrimSpace(sig)
	if len(sig) > 7 && strings.EqualFold(sig[:7], "sha256:") {
		sig = sig[7:]
	}
	return strings.ToLower(sig)
}

// Equal compares two hex digests ignoring case and prefix
func Equal(a, b string) bool {
	return a != "" && Normalize(a) == Normalize(b)
}
