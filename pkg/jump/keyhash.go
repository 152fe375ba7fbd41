package jump

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeyHasher turns an arbitrary byte key into the 64-bit key Hash consumes.
type KeyHasher func([]byte) uint64

// FNV1a hashes with 64-bit FNV-1a.
func FNV1a(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// XXHash hashes with xxHash64 (seed 0).
func XXHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// HasherByName resolves a configured hasher name. Empty selects xxhash.
func HasherByName(name string) (KeyHasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "xxhash", "xxh64":
		return XXHash, nil
	case "fnv1a", "fnv":
		return FNV1a, nil
	default:
		return nil, fmt.Errorf("jump: unknown key hasher %q", name)
	}
}

// HashString hashes key with h and jumps it into numBuckets.
func HashString(key string, numBuckets int32, h KeyHasher) int64 {
	if h == nil {
		h = XXHash
	}
	return Hash(h([]byte(key)), numBuckets)
}
