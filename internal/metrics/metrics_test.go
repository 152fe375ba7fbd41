package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveLocate(t *testing.T) {
	c := NewCollector()
	c.ObserveLocate("cache-0", 0)
	c.ObserveLocate("cache-0", 0)
	c.ObserveLocate("cache-1", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.locates.WithLabelValues("cache-0", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.locates.WithLabelValues("cache-1", "1")))
}

func TestObserveJump(t *testing.T) {
	c := NewCollector()
	c.ObserveJump(10, 3)
	c.ObserveJump(1000, 1)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.jumps))
}

func TestSetPool(t *testing.T) {
	c := NewCollector()
	c.SetPool(map[string]bool{"a": true, "b": false})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.poolSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.healthy.WithLabelValues("a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.healthy.WithLabelValues("b")))
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveLocate("cache-0", 0)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `nservers_locate_total{index="0",server="cache-0"} 1`))
}
