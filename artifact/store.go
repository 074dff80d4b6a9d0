package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Store is a content-addressable blob store. Artifacts are written once and
// addressed by the lowercase hex SHA-256 of their bytes.
type Store interface {
	// Put stores data if absent and returns its hash. Storing the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes for hash, or a *NotFoundError.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether hash is stored. Backend errors read as false.
	Exists(ctx context.Context, hash string) bool
}

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("artifact not found")

	// ErrCorrupt is returned when stored bytes no longer match their hash.
	ErrCorrupt = errors.New("artifact digest mismatch")

	// ErrInvalidHash is returned for keys that are not a SHA-256 hex digest.
	ErrInvalidHash = errors.New("invalid artifact hash")
)

// NotFoundError reports a hash with no stored artifact.
type NotFoundError struct {
	Hash string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: %s", e.Hash)
}

// Is makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound reports whether err is a missing-artifact error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

const hashPrefix = "sha256:"

// Hash returns the content hash of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeHash strips an optional "sha256:" tag and lowercases the digest.
func NormalizeHash(hash string) string {
	h := strings.TrimSpace(hash)
	if len(h) >= len(hashPrefix) && strings.EqualFold(h[:len(hashPrefix)], hashPrefix) {
		h = h[len(hashPrefix):]
	}
	return strings.ToLower(h)
}

// ValidHash reports whether hash, after normalization, is a SHA-256 hex digest.
func ValidHash(hash string) bool {
	h := NormalizeHash(hash)
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// normalize validates and normalizes a caller-supplied hash.
func normalize(hash string) (string, error) {
	h := NormalizeHash(hash)
	if !ValidHash(h) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return h, nil
}

// verify checks that data still hashes to hash.
func verify(hash string, data []byte) error {
	if got := Hash(data); got != hash {
		return fmt.Errorf("%w: want %s, got %s", ErrCorrupt, hash, got)
	}
	return nil
}
