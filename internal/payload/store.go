// Package payload implements the content-addressed blob store (spec §4.2).
// A blob's key is the lowercase hex SHA-256 of its bytes; store is
// idempotent, retrieve recomputes the hash and refuses to return corrupted
// content, and delete reports whether space was actually freed.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
)

// Store is the content-addressed blob store contract. Implementations must
// be safe for concurrent use.
type Store interface {
	// Store writes bytes exactly once and returns their hex hash. Storing
	// the same bytes twice is a no-op and returns the same hash.
	Store(ctx context.Context, data []byte) (hexHash string, err error)
	// Exists reports whether a blob with the given hash is present.
	Exists(ctx context.Context, hexHash string) (bool, error)
	// Retrieve returns the blob's bytes after verifying its SHA-256 digest
	// matches hexHash. A mismatch returns an *elspethErr.CoreError with
	// CodeIntegrity and never returns the corrupted bytes.
	Retrieve(ctx context.Context, hexHash string) ([]byte, error)
	// Delete removes a blob. It returns true iff a blob was actually
	// removed — "true" is the signal that space was freed.
	Delete(ctx context.Context, hexHash string) (bool, error)
}

// HashBytes computes the lowercase hex SHA-256 digest of data, the same
// function every Store implementation must use as its key derivation.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func verify(hexHash string, data []byte) error {
	got := HashBytes(data)
	if got != hexHash {
		return elspethErr.IntegrityError("payload: content hash mismatch for %s (recomputed %s)", hexHash, got)
	}
	return nil
}
