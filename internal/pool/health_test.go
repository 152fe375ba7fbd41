package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/arencloud/nservers/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthUpdateTransitions(t *testing.T) {
	is := assert.New(t)
	m := newHealthManager(discardLogger(), config.Pool{
		Servers: servers("a"),
		Health:  &config.Health{IntervalSec: 1, FailThreshold: 2, SuccessReset: 2},
	})
	require.NotNil(t, m)

	is.True(m.isHealthy("a"))
	m.update("a", false)
	is.True(m.isHealthy("a"), "one failure is below threshold")
	m.update("a", true)
	m.update("a", false)
	is.True(m.isHealthy("a"), "success resets the failure streak")
	m.update("a", false)
	is.False(m.isHealthy("a"))

	m.update("a", true)
	is.False(m.isHealthy("a"), "one success is below reset threshold")
	m.update("a", false)
	m.update("a", true)
	is.False(m.isHealthy("a"), "failure restarts the recovery streak")
	m.update("a", true)
	is.True(m.isHealthy("a"))
}

func TestHealthDisabled(t *testing.T) {
	assert.Nil(t, newHealthManager(discardLogger(), config.Pool{Servers: servers("a")}))
	assert.Nil(t, newHealthManager(discardLogger(), config.Pool{Health: &config.Health{}}))

	var m *healthManager
	assert.True(t, m.isHealthy("anything"))
}

func TestHealthProbeAll(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newHealthManager(discardLogger(), config.Pool{
		Servers: []config.Server{{Name: "s", Addr: srv.URL}},
		Health:  &config.Health{IntervalSec: 1, TimeoutSec: 1, Path: "/healthz", FailThreshold: 2, SuccessReset: 1},
		Retry:   &config.RetryPolicy{},
	})
	require.NotNil(t, m)
	defer m.client.CloseIdleConnections()

	ctx := context.Background()
	m.probeAll(ctx)
	assert.True(t, m.isHealthy("s"))
	m.probeAll(ctx)
	assert.False(t, m.isHealthy("s"))

	failing.Store(false)
	m.probeAll(ctx)
	assert.True(t, m.isHealthy("s"))
}

func TestHealthProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	m := newHealthManager(discardLogger(), config.Pool{
		Servers: []config.Server{{Name: "gone", Addr: addr}},
		Health:  &config.Health{IntervalSec: 1, TimeoutSec: 1, FailThreshold: 1},
		Retry:   &config.RetryPolicy{},
	})
	require.NotNil(t, m)
	assert.False(t, m.probe(context.Background(), addr))
}
