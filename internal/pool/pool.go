// Package pool maps keys onto an ordered list of servers with jump consistent hashing.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arencloud/nservers/internal/config"
	"github.com/arencloud/nservers/pkg/jump"
)

var ErrNoServers = errors.New("pool: no healthy servers")

// Observer is told which server each located key landed on, with the
// server's position in the configured list.
type Observer interface {
	ObserveLocate(server string, index int)
}

type ServerStatus struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Addr    string `json:"addr,omitempty"`
	Healthy bool   `json:"healthy"`
}

type Pool struct {
	log      *slog.Logger
	servers  []config.Server
	hasher   jump.KeyHasher
	replicas int
	hm       *healthManager
	obs      Observer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Pool)

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.obs = o }
}

func New(log *slog.Logger, cfg config.Pool, opts ...Option) (*Pool, error) {
	h, err := jump.HasherByName(cfg.Hasher)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	p := &Pool{
		log:      log.With("component", "pool"),
		servers:  append([]config.Server(nil), cfg.Servers...),
		hasher:   h,
		replicas: max(1, cfg.Replicas),
		hm:       newHealthManager(log, cfg),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start launches health checking, if configured. Close stops it.
func (p *Pool) Start(ctx context.Context) {
	if p.hm == nil || p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.hm.run(ctx)
	}()
	p.log.Info("health checks started", "servers", len(p.servers), "interval", p.hm.interval)
}

func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// DefaultReplicas is the configured replica count for locate requests.
func (p *Pool) DefaultReplicas() int { return p.replicas }

func (p *Pool) Len() int { return len(p.servers) }

// Servers returns the configured servers in order.
func (p *Pool) Servers() []config.Server {
	return append([]config.Server(nil), p.servers...)
}

// Healthy returns the servers currently eligible for placement, in configured order.
func (p *Pool) Healthy() []config.Server {
	live := p.live()
	out := make([]config.Server, len(live))
	for i, pos := range live {
		out[i] = p.servers[pos]
	}
	return out
}

// live returns the configured positions of the healthy servers, ascending.
func (p *Pool) live() []int {
	out := make([]int, 0, len(p.servers))
	for i, s := range p.servers {
		if p.hm == nil || p.hm.isHealthy(s.Name) {
			out = append(out, i)
		}
	}
	return out
}

// Locate returns the server key is assigned to among the healthy servers.
func (p *Pool) Locate(key string) (config.Server, error) {
	live := p.live()
	if len(live) == 0 {
		return config.Server{}, ErrNoServers
	}
	pos := live[jump.Hash(p.hasher([]byte(key)), int32(len(live)))]
	s := p.servers[pos]
	if p.obs != nil {
		p.obs.ObserveLocate(s.Name, pos)
	}
	return s, nil
}

// LocateN returns n distinct healthy servers for key; the first equals Locate(key).
func (p *Pool) LocateN(key string, n int) ([]config.Server, error) {
	live := p.live()
	if len(live) == 0 {
		return nil, ErrNoServers
	}
	idxs, err := jump.Replicas(p.hasher([]byte(key)), len(live), n)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	out := make([]config.Server, len(idxs))
	for i, idx := range idxs {
		out[i] = p.servers[live[idx]]
	}
	if p.obs != nil && len(out) > 0 {
		p.obs.ObserveLocate(out[0].Name, live[idxs[0]])
	}
	return out, nil
}

// Status reports every configured server with its health.
func (p *Pool) Status() []ServerStatus {
	out := make([]ServerStatus, len(p.servers))
	for i, s := range p.servers {
		out[i] = ServerStatus{Index: i, Name: s.Name, Addr: s.Addr, Healthy: p.hm.isHealthy(s.Name)}
	}
	return out
}
