package pool

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arencloud/nservers/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeRetriesOn503(t *testing.T) {
	var hits atomic.Int32
	var lastAttempt atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAttempt.Store(r.Header.Get("X-Nservers-Probe-Attempt"))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base := &http.Transport{}
	defer base.CloseIdleConnections()
	rt := newProbeRoundTripper(base, &config.RetryPolicy{
		MaxRetries:    2,
		RetryOn5xx:    true,
		BackoffBaseMs: 1,
		BackoffMaxMs:  2,
	}, nil, false)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "1", lastAttempt.Load())
}

func TestProbeBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	base := &http.Transport{}
	defer base.CloseIdleConnections()
	rt := newProbeRoundTripper(base, &config.RetryPolicy{}, &config.CircuitBreaker{
		OpenAfterConsecutiveFailures: 2,
		CooldownSec:                  60,
		HalfOpenMaxRequests:          1,
	}, false)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodHead, srv.URL, nil)
		resp, err := rt.RoundTrip(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	req, _ := http.NewRequest(http.MethodHead, srv.URL, nil)
	_, err := rt.RoundTrip(req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) record(_, event string) {
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
}

func TestBreakerStateMachine(t *testing.T) {
	is := assert.New(t)
	log := &eventLog{}
	b := newBreaker(&config.CircuitBreaker{
		OpenAfterConsecutiveFailures: 2,
		CooldownSec:                  10,
		HalfOpenMaxRequests:          1,
	}, "s", log.record)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	is.True(b.allow())
	b.failure()
	is.True(b.allow())
	b.failure()
	is.False(b.allow(), "open after threshold")

	now = now.Add(11 * time.Second)
	is.True(b.allow(), "one half-open probe")
	is.False(b.allow(), "probe budget spent")

	b.success()
	is.True(b.allow(), "closed again")
	is.Equal([]string{"open", "half_open", "close"}, log.events)

	// a half-open failure reopens immediately
	b.failure()
	b.failure()
	now = now.Add(11 * time.Second)
	is.True(b.allow())
	b.failure()
	is.False(b.allow())
}

func TestServerKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://cache-0:8080/healthz", nil)
	assert.Equal(t, "http://cache-0:8080", serverKey(req))
}
