package pool

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arencloud/nservers/internal/config"
	"github.com/arencloud/nservers/internal/telemetry"
)

// healthManager actively probes pool servers and ejects them after consecutive failures.
type healthManager struct {
	log      *slog.Logger
	servers  []config.Server
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	path     string
	failTh   int
	resetTh  int

	mu      sync.RWMutex
	healthy map[string]bool // server name -> health
	// >0: consecutive failures while healthy, <0: consecutive successes while unhealthy
	counts map[string]int
}

func newHealthManager(log *slog.Logger, cfg config.Pool) *healthManager {
	h := cfg.Health
	if h == nil || h.IntervalSec <= 0 {
		return nil
	}
	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	m := &healthManager{
		log:      log.With("component", "health"),
		servers:  cfg.Servers,
		client:   &http.Client{Transport: newProbeRoundTripper(base, cfg.Retry, cfg.CB, cfg.ProbeH2C)},
		interval: time.Duration(h.IntervalSec) * time.Second,
		timeout:  time.Duration(max(1, h.TimeoutSec)) * time.Second,
		path:     h.Path,
		failTh:   max(1, h.FailThreshold),
		resetTh:  max(1, h.SuccessReset),
		healthy:  make(map[string]bool, len(cfg.Servers)),
		counts:   make(map[string]int, len(cfg.Servers)),
	}
	if m.path == "" {
		m.path = "/healthz"
	}
	// servers start healthy until probes say otherwise
	for _, s := range cfg.Servers {
		m.healthy[s.Name] = true
	}
	return m
}

// run probes every interval until ctx is done.
func (m *healthManager) run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	defer m.client.CloseIdleConnections()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.probeAll(ctx)
		}
	}
}

func (m *healthManager) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.servers {
		wg.Add(1)
		go func(s config.Server) {
			defer wg.Done()
			ok := m.probe(ctx, s.Addr)
			if ctx.Err() != nil {
				return
			}
			m.update(s.Name, ok)
		}(s)
	}
	wg.Wait()
}

// probe sends HEAD <path>, falling back to GET /. Any status below 500 is healthy.
func (m *healthManager) probe(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	base := strings.TrimRight(addr, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, base+m.path, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		req2, err2 := http.NewRequestWithContext(ctx, http.MethodGet, base+"/", nil)
		if err2 != nil {
			return false
		}
		resp, err = m.client.Do(req2)
		if err != nil {
			return false
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (m *healthManager) update(name string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.healthy[name]
	cnt := m.counts[name]
	if success {
		if !cur {
			cnt--
			if -cnt >= m.resetTh {
				m.healthy[name] = true
				m.counts[name] = 0
				m.log.Info("server recovered", "server", name)
				telemetry.HealthTransition(name, "up")
				return
			}
			m.counts[name] = cnt
			return
		}
		m.counts[name] = 0
		return
	}
	if !cur {
		// unhealthy and failing: restart the recovery streak
		m.counts[name] = 0
		return
	}
	cnt++
	if cnt >= m.failTh {
		m.healthy[name] = false
		m.counts[name] = 0
		m.log.Warn("server marked unhealthy", "server", name)
		telemetry.HealthTransition(name, "down")
		return
	}
	m.counts[name] = cnt
}

func (m *healthManager) isHealthy(name string) bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	h := m.healthy[name]
	m.mu.RUnlock()
	return h
}
