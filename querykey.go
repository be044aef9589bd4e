package contentsearch

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// QueryKeySize is the size of a query key digest in bytes (256 bits).
const QueryKeySize = 32

// QueryKey is a BLAKE3 digest identifying one effective provider query.
// Identical effective queries within a cache TTL hash to the same key and
// are served from cache without a second upstream call.
type QueryKey [QueryKeySize]byte

// KeyForQuery computes the QueryKey for a provider-shaped query. The
// provider name is part of the digest so two providers never share cache
// entries for coincidentally equal query strings.
func KeyForQuery(provider, query string) QueryKey {
	h := blake3.New()
	_, _ = h.Write([]byte(provider))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(query))

	var k QueryKey
	copy(k[:], h.Sum(nil))
	return k
}

// String returns the hex-encoded representation of the key.
func (k QueryKey) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for display.
func (k QueryKey) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k QueryKey) IsZero() bool {
	return k == QueryKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (k QueryKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *QueryKey) UnmarshalText(text []byte) error {
	if len(text) != QueryKeySize*2 {
		return fmt.Errorf("invalid query key length: expected %d hex chars, got %d", QueryKeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}
