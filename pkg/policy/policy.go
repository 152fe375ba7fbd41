// Package policy screens API callers by IP range, country, ASN and per-client rate.
package policy

import (
	"expvar"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"golang.org/x/time/rate"

	"github.com/arencloud/nservers/internal/config"
	"github.com/arencloud/nservers/internal/telemetry"
	"github.com/arencloud/nservers/pkg/jump"
)

// Middleware is one link of the policy chain.
type Middleware interface {
	Handle(w http.ResponseWriter, r *http.Request, next http.Handler)
}

// BuildChain puts the configured checks in front of next: IP ACL, then GeoIP/ASN, then
// the keyed rate limit. A nil policy returns next unchanged.
func BuildChain(logger *slog.Logger, p *config.Policy, next http.Handler) http.Handler {
	if p == nil {
		return next
	}
	var mws []Middleware
	if p.IPACL != nil {
		mws = append(mws, newIPACL(logger, p.IPACL))
	}
	if p.GeoIP != nil || p.ASN != nil {
		mws = append(mws, newGeoASN(logger, p.GeoIP, p.ASN, p.CacheStats))
	}
	if p.RateLimit != nil && p.RateLimit.RPS > 0 {
		mws = append(mws, newKeyLimiter(p.RateLimit))
	}
	if len(mws) == 0 {
		return next
	}
	return &mwChain{mws: mws, last: next}
}

type mwChain struct {
	mws  []Middleware
	last http.Handler
}

func (m *mwChain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.step(0).ServeHTTP(w, r)
}

func (m *mwChain) step(i int) http.Handler {
	if i >= len(m.mws) {
		return m.last
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mws[i].Handle(w, r, m.step(i+1))
	})
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"forbidden"}` + "\n"))
}

func clientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

type ipACL struct {
	log   *slog.Logger
	allow []*net.IPNet
	deny  []*net.IPNet
}

func newIPACL(log *slog.Logger, c *config.IPACL) *ipACL {
	m := &ipACL{log: log.With("mw", "ipacl")}
	parse := func(cidrs []string) []*net.IPNet {
		var res []*net.IPNet
		for _, s := range cidrs {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			_, n, err := net.ParseCIDR(s)
			if err != nil {
				m.log.Warn("ignoring bad cidr", "cidr", s, "err", err)
				continue
			}
			res = append(res, n)
		}
		return res
	}
	m.allow = parse(c.AllowCIDRs)
	m.deny = parse(c.DenyCIDRs)
	return m
}

func (m *ipACL) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ip := clientIP(r)
	if ip == nil {
		telemetry.PolicyMiss("ipacl")
		next.ServeHTTP(w, r)
		return
	}
	for _, n := range m.deny {
		if n.Contains(ip) {
			telemetry.PolicyHit("ipacl_deny")
			forbidden(w)
			return
		}
	}
	if len(m.allow) == 0 {
		telemetry.PolicyMiss("ipacl")
		next.ServeHTTP(w, r)
		return
	}
	for _, n := range m.allow {
		if n.Contains(ip) {
			telemetry.PolicyHit("ipacl_allow")
			next.ServeHTTP(w, r)
			return
		}
	}
	telemetry.PolicyHit("ipacl_deny")
	forbidden(w)
}

var (
	cacheVarsOnce sync.Once
	cacheVars     *expvar.Map

	closeMu sync.Mutex
	closers []io.Closer
)

func registerCloser(c io.Closer) {
	closeMu.Lock()
	closers = append(closers, c)
	closeMu.Unlock()
}

// Generation marks the databases opened so far. Hand it to Release once a chain built
// after the mark is serving traffic.
func Generation() int {
	closeMu.Lock()
	defer closeMu.Unlock()
	return len(closers)
}

// Release closes the databases opened before gen.
func Release(gen int) {
	closeMu.Lock()
	defer closeMu.Unlock()
	gen = min(gen, len(closers))
	for _, c := range closers[:gen] {
		_ = c.Close()
	}
	closers = append([]io.Closer(nil), closers[gen:]...)
}

// Shutdown closes every database opened by any chain.
func Shutdown() {
	closeMu.Lock()
	defer closeMu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	closers = nil
}

// geoDB is the part of *geoip2.Reader the policy uses.
type geoDB interface {
	Country(net.IP) (*geoip2.Country, error)
	ASN(net.IP) (*geoip2.ASN, error)
}

type geoASN struct {
	log     *slog.Logger
	geo     geoDB
	asn     geoDB
	allowCC map[string]struct{}
	denyCC  map[string]struct{}
	allowAS map[uint]struct{}
	denyAS  map[uint]struct{}

	ccCache  *lruCache[string]
	asnCache *lruCache[uint]
}

func openDB(log *slog.Logger, path, kind string) geoDB {
	if path == "" {
		return nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		log.Warn("database open failed, check disabled", "kind", kind, "path", path, "err", err)
		return nil
	}
	registerCloser(db)
	return db
}

func newGeoASN(log *slog.Logger, g *config.GeoIP, a *config.ASN, stats bool) *geoASN {
	log = log.With("mw", "geoasn")
	m := &geoASN{log: log}

	ccTTL, ccMax := 5*time.Minute, 10000
	if g != nil {
		m.geo = openDB(log, g.DBPath, "geoip")
		m.allowCC = countrySet(g.AllowCountries)
		m.denyCC = countrySet(g.DenyCountries)
		if g.CacheTTLSeconds > 0 {
			ccTTL = time.Duration(g.CacheTTLSeconds) * time.Second
		}
		if g.CacheMaxEntries > 0 {
			ccMax = g.CacheMaxEntries
		}
	}
	asTTL, asMax := 5*time.Minute, 10000
	if a != nil {
		m.asn = openDB(log, a.DBPath, "asn")
		m.allowAS = asnSet(a.AllowASN)
		m.denyAS = asnSet(a.DenyASN)
		if a.CacheTTLSeconds > 0 {
			asTTL = time.Duration(a.CacheTTLSeconds) * time.Second
		}
		if a.CacheMaxEntries > 0 {
			asMax = a.CacheMaxEntries
		}
	}
	m.ccCache = newLRU[string](ccTTL, ccMax, "geoip", stats)
	m.asnCache = newLRU[uint](asTTL, asMax, "asn", stats)
	return m
}

func countrySet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			m[s] = struct{}{}
		}
	}
	return m
}

func asnSet(us []uint) map[uint]struct{} {
	m := make(map[uint]struct{}, len(us))
	for _, u := range us {
		m[u] = struct{}{}
	}
	return m
}

func (m *geoASN) country(ip net.IP, key string) string {
	if cc, ok := m.ccCache.get(key); ok {
		telemetry.CacheHit("geoip")
		return cc
	}
	telemetry.CacheMiss("geoip")
	rec, err := m.geo.Country(ip)
	if err != nil {
		return ""
	}
	cc := strings.ToUpper(rec.Country.IsoCode)
	if cc != "" {
		m.ccCache.set(key, cc)
	}
	return cc
}

func (m *geoASN) asNumber(ip net.IP, key string) uint {
	if v, ok := m.asnCache.get(key); ok {
		telemetry.CacheHit("asn")
		return v
	}
	telemetry.CacheMiss("asn")
	rec, err := m.asn.ASN(ip)
	if err != nil {
		return 0
	}
	n := rec.AutonomousSystemNumber
	if n != 0 {
		m.asnCache.set(key, n)
	}
	return n
}

func (m *geoASN) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ip := clientIP(r)
	ccActive := m.geo != nil && (len(m.allowCC) > 0 || len(m.denyCC) > 0)
	asActive := m.asn != nil && (len(m.allowAS) > 0 || len(m.denyAS) > 0)
	if ip == nil || (!ccActive && !asActive) {
		telemetry.PolicyMiss("geoasn")
		next.ServeHTTP(w, r)
		return
	}
	key := ip.String()

	if ccActive {
		if cc := m.country(ip, key); cc == "" {
			telemetry.PolicyMiss("geoip_lookup")
		} else if !admit(cc, m.allowCC, m.denyCC) {
			telemetry.PolicyHit("geoip_deny")
			forbidden(w)
			return
		} else if len(m.allowCC) > 0 {
			telemetry.PolicyHit("geoip_allow")
		}
	}
	if asActive {
		if n := m.asNumber(ip, key); n == 0 {
			telemetry.PolicyMiss("asn_lookup")
		} else if !admit(n, m.allowAS, m.denyAS) {
			telemetry.PolicyHit("asn_deny")
			forbidden(w)
			return
		} else if len(m.allowAS) > 0 {
			telemetry.PolicyHit("asn_allow")
		}
	}
	next.ServeHTTP(w, r)
}

// admit applies deny before allow; an empty allow set admits everything not denied.
func admit[K comparable](v K, allow, deny map[K]struct{}) bool {
	if _, bad := deny[v]; bad {
		return false
	}
	if len(allow) == 0 {
		return true
	}
	_, ok := allow[v]
	return ok
}

const limiterShards = 64

// keyLimiter keeps one token bucket per client key. Keys are spread over shards with jump
// hashing so that unrelated clients rarely contend on the same lock.
type keyLimiter struct {
	keySel func(*http.Request) string
	rps    rate.Limit
	burst  int
	idle   time.Duration
	shards [limiterShards]limiterShard
	now    func() time.Time
}

type limiterShard struct {
	mu    sync.Mutex
	lims  map[string]*limiterEntry
	sweep time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newKeyLimiter(rl *config.KeyRate) *keyLimiter {
	k := &keyLimiter{
		keySel: buildKeySelector(rl.Key),
		rps:    rate.Limit(rl.RPS),
		burst:  max(rl.Burst, 1),
		idle:   10 * time.Minute,
		now:    time.Now,
	}
	for i := range k.shards {
		k.shards[i].lims = make(map[string]*limiterEntry)
	}
	return k
}

func buildKeySelector(sel string) func(*http.Request) string {
	kind, name, _ := strings.Cut(strings.TrimSpace(sel), ":")
	name = strings.TrimSpace(name)
	switch strings.ToLower(kind) {
	case "header":
		return func(r *http.Request) string { return r.Header.Get(name) }
	case "cookie":
		return func(r *http.Request) string {
			if c, err := r.Cookie(name); err == nil {
				return c.Value
			}
			return ""
		}
	default:
		return func(r *http.Request) string {
			if ip := clientIP(r); ip != nil {
				return ip.String()
			}
			return ""
		}
	}
}

func (k *keyLimiter) limiter(key string) *rate.Limiter {
	s := &k.shards[jump.HashString(key, limiterShards, jump.XXHash)]
	now := k.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.sweep) > k.idle {
		for id, e := range s.lims {
			if now.Sub(e.seen) > k.idle {
				delete(s.lims, id)
			}
		}
		s.sweep = now
	}
	e, ok := s.lims[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(k.rps, k.burst)}
		s.lims[key] = e
	}
	e.seen = now
	return e.lim
}

func (k *keyLimiter) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	key := k.keySel(r)
	if key == "" {
		key = "anon"
	}
	if !k.limiter(key).Allow() {
		telemetry.PolicyHit("ratelimit_deny")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
		return
	}
	telemetry.PolicyHit("ratelimit_allow")
	next.ServeHTTP(w, r)
}
