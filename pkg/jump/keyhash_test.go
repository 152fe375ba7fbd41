package jump

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFNV1a(t *testing.T) {
	is := assert.New(t)
	is.Equal(uint64(0xcbf29ce484222325), FNV1a(nil))
	is.Equal(uint64(0xaf63dc4c8601ec8c), FNV1a([]byte("a")))
	is.Equal(uint64(0x6c151ea4dcd221c2), FNV1a([]byte("user:42")))
}

func TestXXHash(t *testing.T) {
	is := assert.New(t)
	is.Equal(uint64(0xef46db3751d8e999), XXHash(nil))
	is.Equal(xxhash.Sum64String("user:42"), XXHash([]byte("user:42")))
}

func TestHasherByName(t *testing.T) {
	for _, name := range []string{"", "xxhash", "XXH64", " xxhash "} {
		h, err := HasherByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, XXHash([]byte("k")), h([]byte("k")), name)
	}
	for _, name := range []string{"fnv1a", "FNV"} {
		h, err := HasherByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, FNV1a([]byte("k")), h([]byte("k")), name)
	}
	_, err := HasherByName("md5")
	assert.Error(t, err)
}

func TestHashString(t *testing.T) {
	is := assert.New(t)
	is.Equal(int64(1), HashString("user:42", 3, FNV1a))
	is.Equal(int64(2), HashString("a", 4, FNV1a))
	is.Equal(Hash(xxhash.Sum64String("user:42"), 16), HashString("user:42", 16, nil))
	is.Equal(int64(-1), HashString("user:42", 0, FNV1a))
}
