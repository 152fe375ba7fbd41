package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arencloud/nservers/internal/config"
	"github.com/arencloud/nservers/internal/telemetry"
	"golang.org/x/net/http2"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// probeRoundTripper retries health probes and trips a breaker per server.
type probeRoundTripper struct {
	base     http.RoundTripper
	h2c      http.RoundTripper
	retry    *config.RetryPolicy
	cb       *config.CircuitBreaker
	breakers sync.Map // scheme://host -> *breaker
}

func newProbeRoundTripper(base http.RoundTripper, r *config.RetryPolicy, c *config.CircuitBreaker, useH2C bool) *probeRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	p := &probeRoundTripper{base: base, retry: r, cb: c}
	if useH2C {
		p.h2c = h2cRoundTripper()
	}
	return p
}

func (p *probeRoundTripper) breakerFor(key string) *breaker {
	if p.cb == nil {
		return nil
	}
	if v, ok := p.breakers.Load(key); ok {
		return v.(*breaker)
	}
	v, _ := p.breakers.LoadOrStore(key, newBreaker(p.cb, key, telemetry.BreakerEvent))
	return v.(*breaker)
}

func (p *probeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	key := serverKey(req)
	br := p.breakerFor(key)
	if br != nil && !br.allow() {
		return nil, ErrCircuitOpen
	}

	rt := p.base
	if p.h2c != nil && strings.EqualFold(req.URL.Scheme, "http") {
		rt = p.h2c
	}

	maxRetries := 0
	perTry := time.Duration(0)
	backoffBase := 50 * time.Millisecond
	backoffMax := 500 * time.Millisecond
	retryOn5xx, retryOnConn := true, true
	if p.retry != nil {
		maxRetries = p.retry.MaxRetries
		if p.retry.PerTryTimeoutSec > 0 {
			perTry = time.Duration(p.retry.PerTryTimeoutSec) * time.Second
		}
		if p.retry.BackoffBaseMs > 0 {
			backoffBase = time.Duration(p.retry.BackoffBaseMs) * time.Millisecond
		}
		if p.retry.BackoffMaxMs > 0 {
			backoffMax = time.Duration(p.retry.BackoffMaxMs) * time.Millisecond
		}
		retryOn5xx = p.retry.RetryOn5xx
		retryOnConn = p.retry.RetryOnConnectErr
	}
	// probes carry no body, so every method is safe to replay
	attempts := maxRetries + 1

	var (
		resp    *http.Response
		lastErr error
	)
	for i := 0; i < attempts; i++ {
		rctx := req.Context()
		var cancel context.CancelFunc
		if perTry > 0 {
			rctx, cancel = context.WithTimeout(rctx, perTry)
		}
		clone := req.Clone(rctx)
		clone.Header.Set("X-Nservers-Probe-Attempt", strconv.Itoa(i))

		resp, lastErr = rt.RoundTrip(clone)
		last := i == attempts-1

		if lastErr == nil {
			if retryOn5xx && !last && isRetryableStatus(resp.StatusCode) {
				drainAndClose(resp)
				if cancel != nil {
					cancel()
				}
				telemetry.IncRetry(req.Context(), key)
				if !sleepWithJitter(req.Context(), backoffBase, backoffMax, i) {
					lastErr = req.Context().Err()
					break
				}
				continue
			}
			if br != nil {
				if resp.StatusCode >= 500 {
					br.failure()
				} else {
					br.success()
				}
			}
			// the body is read by the caller; release the per-try timer once it is closed
			if cancel != nil {
				resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			}
			return resp, nil
		}
		if cancel != nil {
			cancel()
		}
		if retryOnConn && !last && isConnErr(lastErr) {
			telemetry.IncRetry(req.Context(), key)
			if !sleepWithJitter(req.Context(), backoffBase, backoffMax, i) {
				break
			}
			continue
		}
		break
	}

	if br != nil {
		br.failure()
	}
	return nil, lastErr
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the wrapped transports.
func (p *probeRoundTripper) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if c, ok := p.base.(closeIdler); ok {
		c.CloseIdleConnections()
	}
	if c, ok := p.h2c.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func h2cRoundTripper() http.RoundTripper {
	return &http2.Transport{
		AllowHTTP: true,
		// h2c: plain TCP in place of the TLS dial
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			d := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}
}

func serverKey(req *http.Request) string {
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + req.URL.Host
}

func isRetryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

func isConnErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	defer resp.Body.Close()
	_, _ = io.CopyN(io.Discard, resp.Body, 512)
}

// sleepWithJitter waits an exponential, jittered backoff capped at max. It returns false
// when ctx ends first.
func sleepWithJitter(ctx context.Context, base, max time.Duration, attempt int) bool {
	backoff := base << attempt
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	wait := backoff / 2
	if half := int64(backoff / 2); half > 0 {
		wait += time.Duration(rand.Int63n(half))
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// breaker is a simple state machine: closed -> open -> half-open -> closed
type breaker struct {
	threshold int32
	cooldown  time.Duration
	halfMax   int32

	state     atomic.Int32
	failSeq   atomic.Int32
	halfLeft  atomic.Int32
	mu        sync.Mutex
	openUntil time.Time

	name    string
	onEvent func(name, event string)
	now     func() time.Time
}

func newBreaker(c *config.CircuitBreaker, name string, on func(name, event string)) *breaker {
	return &breaker{
		threshold: int32(max(1, c.OpenAfterConsecutiveFailures)),
		cooldown:  time.Duration(max(1, c.CooldownSec)) * time.Second,
		halfMax:   int32(max(1, c.HalfOpenMaxRequests)),
		name:      name,
		onEvent:   on,
		now:       time.Now,
	}
}

func (b *breaker) emit(event string) {
	if b.onEvent != nil {
		b.onEvent(b.name, event)
	}
}

func (b *breaker) allow() bool {
	switch b.state.Load() {
	case stateOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state.Load() != stateOpen {
			return b.allowHalfOpen()
		}
		if b.now().Before(b.openUntil) {
			return false
		}
		b.halfLeft.Store(b.halfMax)
		b.state.Store(stateHalfOpen)
		b.emit("half_open")
		return b.allowHalfOpen()
	case stateHalfOpen:
		return b.allowHalfOpen()
	default:
		return true
	}
}

func (b *breaker) allowHalfOpen() bool {
	if b.state.Load() == stateClosed {
		return true
	}
	return b.halfLeft.Add(-1) >= 0
}

func (b *breaker) success() {
	switch b.state.Load() {
	case stateClosed:
		b.failSeq.Store(0)
	case stateHalfOpen:
		if b.halfLeft.Load() <= 0 {
			b.state.Store(stateClosed)
			b.failSeq.Store(0)
			b.emit("close")
		}
	}
}

func (b *breaker) failure() {
	switch b.state.Load() {
	case stateClosed:
		if b.failSeq.Add(1) >= b.threshold {
			b.trip()
		}
	case stateHalfOpen:
		b.trip()
	}
}

func (b *breaker) trip() {
	b.mu.Lock()
	b.openUntil = b.now().Add(b.cooldown)
	b.state.Store(stateOpen)
	b.mu.Unlock()
	b.emit("open")
}
