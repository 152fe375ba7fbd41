// Package jump implements Jump Consistent Hash as described by Lamping and Veach,
// "A Fast, Minimal Memory, Consistent Hash Algorithm" (https://arxiv.org/abs/1406.2294).
//
// Hash is bit-compatible with the C++ code in the paper: the same key and bucket
// count yield the same bucket in every port that keeps the LCG constants and the
// float64 step below.
package jump

import (
	"errors"
	"math"
)

const (
	// lcgMultiplier and lcgIncrement drive the 64-bit LCG that advances the key.
	lcgMultiplier uint64 = 2862933555777941757
	lcgIncrement  uint64 = 1

	// stepScale is 2^31 as a float64, the numerator of the jump ratio.
	stepScale = float64(int64(1) << 31)
)

var (
	ErrNoBuckets      = errors.New("jump: number of buckets must be positive")
	ErrTooManyBuckets = errors.New("jump: number of buckets exceeds int32")
)

// Hash maps key to a bucket in [0, numBuckets).
//
// numBuckets == 0 returns -1, meaning no bucket is available. A negative numBuckets is a
// precondition violation; like the reference arithmetic it never enters the loop and also
// returns -1. Use Bucket when the caller wants that reported as an error.
func Hash(key uint64, numBuckets int32) int64 {
	b, _ := hashSteps(key, numBuckets)
	return b
}

// hashSteps is Hash plus the number of loop iterations taken.
func hashSteps(key uint64, numBuckets int32) (int64, int) {
	var b int64 = -1
	var j int64
	steps := 0
	for j < int64(numBuckets) {
		b = j
		key = key*lcgMultiplier + lcgIncrement
		j = int64(float64(b+1) * (stepScale / float64((key>>33)+1)))
		steps++
	}
	return b, steps
}

// Bucket is Hash with explicit input validation.
func Bucket(key uint64, numBuckets int) (int, error) {
	if numBuckets <= 0 {
		return 0, ErrNoBuckets
	}
	if numBuckets > math.MaxInt32 {
		return 0, ErrTooManyBuckets
	}
	return int(Hash(key, int32(numBuckets))), nil
}
