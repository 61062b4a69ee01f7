package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/debswarm/chunkswarm/internal/hashutil"
)

// HashSize is the length of a binary chunk hash; HexHashSize its hex form.
const (
	HashSize    = hashutil.Size
	HexHashSize = HashSize * 2
)

// ErrInvalidHash is returned when a hex hash cannot be parsed
var ErrInvalidHash = errors.New("invalid chunk hash")

// Hash is the SHA-1 content digest identifying a chunk on the wire.
// The hex form is always derived from the binary form, so the two never disagree.
type Hash [HashSize]byte

// ParseHash decodes a 40-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HexHashSize {
		return h, fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidHash, s, len(s), HexHashSize)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}

// HashOf returns the digest of data.
func HashOf(data []byte) Hash {
	return Hash(hashutil.Digest(data))
}

// String returns the 40-character hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns a prefix of the hex form for log output.
func (h Hash) Short() string {
	return h.String()[:12]
}
