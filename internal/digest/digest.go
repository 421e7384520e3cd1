// Package digest computes content hashes and ETags for uploaded blobs.
package digest

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"

	"github.com/jonathan/revalidate/internal/types"
)

// etagSize is the blake2b digest length used for ETags.
const etagSize = 16

// SHA256 returns the lowercase hex SHA-256 of data.
func SHA256(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return "", fmt.Errorf("failed to decode multihash: %w", err)
	}
	return hex.EncodeToString(decoded.Digest), nil
}

// ETag returns a quoted entity tag derived from a blake2b digest of data.
func ETag(data []byte) (string, error) {
	h, err := blake2b.New(etagSize, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create etag hasher: %w", err)
	}
	_, _ = h.Write(data)
	enc, err := multibase.Encode(multibase.Base32, h.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("failed to encode etag: %w", err)
	}
	return `"` + enc + `"`, nil
}

// NewBlob hashes data and wraps it as an immutable blob.
func NewBlob(data []byte, now time.Time) (*types.Blob, error) {
	hash, err := SHA256(data)
	if err != nil {
		return nil, err
	}
	etag, err := ETag(data)
	if err != nil {
		return nil, err
	}
	return &types.Blob{
		ID:             uuid.Must(uuid.NewV7()),
		Hash:           hash,
		Data:           data,
		LastModifiedAt: now.UTC(),
		ETag:           etag,
	}, nil
}

// Set tracks hashes already seen in one batch, remembering the first file name.
type Set struct {
	seen map[string]string
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]string)}
}

// Add records hash under name. When the hash was already present it returns the
// earlier name and false.
func (s *Set) Add(hash, name string) (string, bool) {
	if prev, ok := s.seen[hash]; ok {
		return prev, false
	}
	s.seen[hash] = name
	return name, true
}
