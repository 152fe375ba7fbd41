package jump

import (
	"math"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference outputs shared by every jump hash port.
var goldenVectors = []struct {
	key     uint64
	buckets int32
	want    int64
}{
	{0, 1, 0},
	{1, 1, 0},
	{42, 10, 2},
	{42, 57, 43},
	{1, 10, 6},
	{0xDEAD10CC, 1, 0},
	{0xDEAD10CC, 666, 361},
	{256, 1024, 520},
	{123456789, 100, 34},
	{0xFFFFFFFFFFFFFFFF, 1000, 313},
	{0x0123456789ABCDEF, math.MaxInt32, 1651575352},
}

func TestHashGoldenVectors(t *testing.T) {
	for _, v := range goldenVectors {
		assert.Equal(t, v.want, Hash(v.key, v.buckets), "key=%d buckets=%d", v.key, v.buckets)
	}
}

func TestHashZeroBuckets(t *testing.T) {
	is := assert.New(t)
	rng := rand.New(rand.NewSource(7))
	is.Equal(int64(-1), Hash(0, 0))
	is.Equal(int64(-1), Hash(math.MaxUint64, 0))
	for i := 0; i < 1000; i++ {
		is.Equal(int64(-1), Hash(rng.Uint64(), 0))
	}
}

func TestHashNegativeBucketsReturnSentinel(t *testing.T) {
	is := assert.New(t)
	is.Equal(int64(-1), Hash(7, -5))
	is.Equal(int64(-1), Hash(0xDEAD10CC, -666))
	is.Equal(int64(-1), Hash(0, math.MinInt32))

	_, steps := hashSteps(42, -1)
	is.Zero(steps)
}

func TestHashSingleBucket(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		key := rng.Uint64()
		require.Equal(t, int64(0), Hash(key, 1), "key=%d", key)
	}
}

func TestHashProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 2000
	parameters.Rng.Seed(1406)
	props := gopter.NewProperties(parameters)

	props.Property("result is in [0, buckets)", prop.ForAll(
		func(key uint64, buckets int32) bool {
			b := Hash(key, buckets)
			return b >= 0 && b < int64(buckets)
		},
		gen.UInt64(),
		gen.Int32Range(1, math.MaxInt32),
	))

	props.Property("result is deterministic", prop.ForAll(
		func(key uint64, buckets int32) bool {
			return Hash(key, buckets) == Hash(key, buckets)
		},
		gen.UInt64(),
		gen.Int32Range(0, math.MaxInt32),
	))

	props.Property("growing by one keeps the bucket or moves to the new one", prop.ForAll(
		func(key uint64, buckets int32) bool {
			before := Hash(key, buckets)
			after := Hash(key, buckets+1)
			return after == before || after == int64(buckets)
		},
		gen.UInt64(),
		gen.Int32Range(1, 1<<20),
	))

	props.TestingRun(t, gopter.NewFormatedReporter(true, 160, os.Stdout))
}

func TestHashMinimalDisruption(t *testing.T) {
	const numKeys = 100000
	rng := rand.New(rand.NewSource(42))
	keys := make([]uint64, numKeys)
	for i := range keys {
		keys[i] = rng.Uint64()
	}

	for _, n := range []int32{1, 2, 9, 31, 99} {
		moved := 0
		for _, k := range keys {
			before, after := Hash(k, n), Hash(k, n+1)
			if before != after {
				require.Equal(t, int64(n), after, "moved key %d must land in the new bucket", k)
				moved++
			}
		}
		got := float64(moved) / numKeys
		want := 1 / float64(n+1)
		assert.InEpsilon(t, want, got, 0.15, "n=%d moved=%d", n, moved)
	}
}

func TestHashLoadBalance(t *testing.T) {
	const (
		numKeys = 100000
		buckets = 10
	)
	rng := rand.New(rand.NewSource(2014))
	counts := make([]int, buckets)
	for i := 0; i < numKeys; i++ {
		counts[Hash(rng.Uint64(), buckets)]++
	}

	expected := float64(numKeys) / buckets
	var chi2 float64
	for b, c := range counts {
		d := float64(c) - expected
		chi2 += d * d / expected
		assert.InEpsilon(t, expected, float64(c), 0.05, "bucket %d", b)
	}
	// chi-square with 9 degrees of freedom; 27.88 is the 0.999 quantile.
	assert.Less(t, chi2, 40.0, "counts=%v", counts)
}

func TestHashStepsLogarithmic(t *testing.T) {
	is := assert.New(t)

	_, steps := hashSteps(1, 0)
	is.Zero(steps)
	_, steps = hashSteps(1, 1)
	is.Equal(1, steps)

	const n = 1 << 20
	rng := rand.New(rand.NewSource(3))
	total := 0
	for i := 0; i < 10000; i++ {
		_, s := hashSteps(rng.Uint64(), n)
		total += s
	}
	avg := float64(total) / 10000
	is.Less(avg, 2*math.Log(n)+2)
	is.Greater(avg, math.Log(n)/2)
}

func TestHashConcurrent(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	keys := make([]uint64, 2000)
	want := make([]int64, len(keys))
	for i := range keys {
		keys[i] = rng.Uint64()
		want[i] = Hash(keys[i], 1000)
	}

	var wg sync.WaitGroup
	errs := make(chan int, 8*len(keys))
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, k := range keys {
				if Hash(k, 1000) != want[i] {
					errs <- i
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for i := range errs {
		t.Errorf("key %d diverged under concurrency", keys[i])
	}
}

func TestBucket(t *testing.T) {
	is := assert.New(t)

	b, err := Bucket(42, 10)
	is.NoError(err)
	is.Equal(2, b)

	_, err = Bucket(42, 0)
	is.ErrorIs(err, ErrNoBuckets)
	_, err = Bucket(42, -3)
	is.ErrorIs(err, ErrNoBuckets)
	_, err = Bucket(42, math.MaxInt32+1)
	is.ErrorIs(err, ErrTooManyBuckets)
}

func BenchmarkHash(b *testing.B) {
	for _, n := range []int32{10, 1000, 1 << 20} {
		b.Run(strconv.Itoa(int(n)), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = Hash(uint64(i), n)
			}
		})
	}
}
