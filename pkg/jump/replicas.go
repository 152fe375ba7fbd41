package jump

import (
	"errors"
	"math"
)

var ErrTooManyReplicas = errors.New("jump: more replicas than buckets")

// Replicas returns n distinct buckets for key out of numBuckets. The first entry always
// equals Hash(key, numBuckets); each later pick jumps over the buckets not yet chosen.
func Replicas(key uint64, numBuckets, n int) ([]int, error) {
	if numBuckets <= 0 {
		return nil, ErrNoBuckets
	}
	if numBuckets > math.MaxInt32 {
		return nil, ErrTooManyBuckets
	}
	if n > numBuckets {
		return nil, ErrTooManyReplicas
	}
	if n <= 0 {
		return []int{}, nil
	}

	// moved[s] is the real bucket behind virtual slot s when it is not s itself.
	// Only swapped slots are stored, so memory follows n rather than numBuckets.
	moved := make(map[int]int, n)
	at := func(s int) int {
		if b, ok := moved[s]; ok {
			return b
		}
		return s
	}
	out := make([]int, n)
	size := numBuckets
	for i := 0; i < n; i++ {
		slot := int(Hash(key, int32(size)))
		out[i] = at(slot)
		size--
		if slot != size {
			moved[slot] = at(size)
		}
		delete(moved, size)
		key = xorshiftMult64(key)
	}
	return out, nil
}

// 64-bit xorshift multiply rng from http://vigna.di.unimi.it/ftp/papers/xorshift.pdf
func xorshiftMult64(x uint64) uint64 {
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	return x * 2685821657736338717
}
