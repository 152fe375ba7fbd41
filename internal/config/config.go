package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Admin     Admin      `yaml:"admin"`
	API       API        `yaml:"api"`
	TLS       TLS        `yaml:"tls"`
	Pool      Pool       `yaml:"pool"`
	Policy    *Policy    `yaml:"policy,omitempty"`
	Telemetry *Telemetry `yaml:"telemetry,omitempty"`
}

type Admin struct {
	Listen string `yaml:"listen"` // e.g. ":9000"
	Auth   *Auth  `yaml:"auth,omitempty"`
}

// Auth protects a listener with Basic or Bearer credentials.
type Auth struct {
	Basic *BasicAuth `yaml:"basic,omitempty"`
	// Any of these tokens is accepted; takes precedence over Basic.
	BearerTokens []string `yaml:"bearerTokens,omitempty"`
}

type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type API struct {
	Listen string          `yaml:"listen"` // e.g. ":8080"
	Auth   *Auth           `yaml:"auth,omitempty"`
	Limits *Limits         `yaml:"limits,omitempty"`
	Server *ServerTimeouts `yaml:"server,omitempty"`
	// Protocol toggles
	EnableHTTP3 bool `yaml:"enableHTTP3,omitempty"` // HTTP/3 (QUIC), requires TLS
	EnableH2C   bool `yaml:"enableH2C,omitempty"`   // HTTP/2 cleartext when TLS is disabled
	// Optional separate address for HTTP/3 (UDP). If empty, uses Listen.
	HTTP3Listen string `yaml:"http3Listen,omitempty"`
	// Upper bound for keys in one batch request.
	MaxBatchKeys int `yaml:"maxBatchKeys,omitempty"`
}

type Limits struct {
	RPS          int   `yaml:"rps"`          // global token bucket
	Burst        int   `yaml:"burst"`        // burst size
	BodyBytesCap int64 `yaml:"bodyBytesCap"` // safety cap for batch bodies
}

// ServerTimeouts controls the API listener behavior.
type ServerTimeouts struct {
	ReadHeaderTimeoutSec int `yaml:"readHeaderTimeoutSec"` // default 10
	ReadTimeoutSec       int `yaml:"readTimeoutSec"`       // optional
	WriteTimeoutSec      int `yaml:"writeTimeoutSec"`      // optional
	IdleTimeoutSec       int `yaml:"idleTimeoutSec"`       // default 90
	MaxHeaderBytes       int `yaml:"maxHeaderBytes"`       // default 1<<20 (1MB)
}

type TLS struct {
	CertFiles         []string `yaml:"certFiles"`
	KeyFiles          []string `yaml:"keyFiles"`
	ClientCAFile      string   `yaml:"clientCAFile,omitempty"`
	RequireClientCert bool     `yaml:"requireClientCert,omitempty"`
}

// Pool is the ordered server list keys are jumped into. Append new servers at the end:
// reordering remaps keys.
type Pool struct {
	Servers []Server `yaml:"servers"`
	// "xxhash" (default) or "fnv1a"
	Hasher string `yaml:"hasher,omitempty"`
	// Default replica count for locate requests.
	Replicas int             `yaml:"replicas,omitempty"`
	Health   *Health         `yaml:"health,omitempty"`
	Retry    *RetryPolicy    `yaml:"retry,omitempty"`
	CB       *CircuitBreaker `yaml:"circuitBreaker,omitempty"`
	// Probe http:// servers over HTTP/2 cleartext.
	ProbeH2C bool `yaml:"probeH2C,omitempty"`
}

type Server struct {
	Name string `yaml:"name" json:"name"`
	Addr string `yaml:"addr" json:"addr,omitempty"` // http(s)://host:port, probed when health checks are on
}

type Health struct {
	IntervalSec int    `yaml:"intervalSec"`
	TimeoutSec  int    `yaml:"timeoutSec"`
	Path        string `yaml:"path,omitempty"` // default /healthz
	// consecutive failures to mark unhealthy, successes to recover
	FailThreshold int `yaml:"failThreshold"`
	SuccessReset  int `yaml:"successReset"`
}

// RetryPolicy defines probe retry behavior.
type RetryPolicy struct {
	MaxRetries        int  `yaml:"maxRetries"`
	PerTryTimeoutSec  int  `yaml:"perTryTimeoutSec"`
	RetryOn5xx        bool `yaml:"retryOn5xx"`
	RetryOnConnectErr bool `yaml:"retryOnConnectErr"`
	BackoffBaseMs     int  `yaml:"backoffBaseMs"`
	BackoffMaxMs      int  `yaml:"backoffMaxMs"`
}

// CircuitBreaker defines a simple consecutive-failure breaker.
type CircuitBreaker struct {
	OpenAfterConsecutiveFailures int `yaml:"openAfterConsecutiveFailures"`
	CooldownSec                  int `yaml:"cooldownSec"`
	HalfOpenMaxRequests          int `yaml:"halfOpenMaxRequests"`
}

// Telemetry config for OpenTelemetry.
type Telemetry struct {
	ServiceName  string            `yaml:"serviceName"`
	OTLPEndpoint string            `yaml:"otlpEndpoint,omitempty"` // e.g. "localhost:4318"
	Headers      map[string]string `yaml:"headers,omitempty"`
	Insecure     bool              `yaml:"insecure,omitempty"`
	Sampling     float64           `yaml:"sampling,omitempty"` // 0..1
}

// Policy guards the public API.
type Policy struct {
	IPACL     *IPACL   `yaml:"ipAcl,omitempty"`
	GeoIP     *GeoIP   `yaml:"geoIp,omitempty"`
	ASN       *ASN     `yaml:"asn,omitempty"`
	RateLimit *KeyRate `yaml:"rateLimit,omitempty"`
	// Publish lookup cache stats to /debug/vars
	CacheStats bool `yaml:"cacheStats,omitempty"`
}

type IPACL struct {
	AllowCIDRs []string `yaml:"allowCidrs,omitempty"`
	DenyCIDRs  []string `yaml:"denyCidrs,omitempty"`
}

// GeoIP: allow/deny by ISO country code.
type GeoIP struct {
	DBPath          string   `yaml:"dbPath,omitempty"`
	AllowCountries  []string `yaml:"allowCountries,omitempty"`
	DenyCountries   []string `yaml:"denyCountries,omitempty"` // takes precedence
	CacheTTLSeconds int      `yaml:"cacheTtlSeconds,omitempty"`
	CacheMaxEntries int      `yaml:"cacheMaxEntries,omitempty"`
}

// ASN: allow/deny by autonomous system number.
type ASN struct {
	DBPath          string `yaml:"dbPath,omitempty"`
	AllowASN        []uint `yaml:"allowAsn,omitempty"`
	DenyASN         []uint `yaml:"denyAsn,omitempty"`
	CacheTTLSeconds int    `yaml:"cacheTtlSeconds,omitempty"`
	CacheMaxEntries int    `yaml:"cacheMaxEntries,omitempty"`
}

type KeyRate struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
	// "ip" (default), "header:<Name>" or "cookie:<Name>"
	Key string `yaml:"key,omitempty"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, fills defaults and validates the pool.
func Parse(raw []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Admin.Listen == "" {
		c.Admin.Listen = ":9000"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.API.MaxBatchKeys <= 0 {
		c.API.MaxBatchKeys = 10000
	}
	if c.API.Server == nil {
		c.API.Server = &ServerTimeouts{
			ReadHeaderTimeoutSec: 10,
			IdleTimeoutSec:       90,
			MaxHeaderBytes:       1 << 20,
		}
	} else {
		if c.API.Server.ReadHeaderTimeoutSec <= 0 {
			c.API.Server.ReadHeaderTimeoutSec = 10
		}
		if c.API.Server.IdleTimeoutSec <= 0 {
			c.API.Server.IdleTimeoutSec = 90
		}
		if c.API.Server.MaxHeaderBytes <= 0 {
			c.API.Server.MaxHeaderBytes = 1 << 20
		}
	}
	if c.API.Limits != nil {
		if c.API.Limits.Burst <= 0 {
			c.API.Limits.Burst = c.API.Limits.RPS
		}
		if c.API.Limits.BodyBytesCap <= 0 {
			c.API.Limits.BodyBytesCap = 1 << 20
		}
	}

	if c.Pool.Hasher == "" {
		c.Pool.Hasher = "xxhash"
	}
	if c.Pool.Replicas <= 0 {
		c.Pool.Replicas = 1
	}
	for i := range c.Pool.Servers {
		if c.Pool.Servers[i].Name == "" {
			c.Pool.Servers[i].Name = c.Pool.Servers[i].Addr
		}
	}
	if h := c.Pool.Health; h != nil {
		if h.TimeoutSec <= 0 {
			h.TimeoutSec = 2
		}
		if h.Path == "" {
			h.Path = "/healthz"
		}
	}
	if c.Pool.Retry == nil {
		c.Pool.Retry = &RetryPolicy{
			MaxRetries:        1,
			PerTryTimeoutSec:  2,
			RetryOn5xx:        true,
			RetryOnConnectErr: true,
			BackoffBaseMs:     50,
			BackoffMaxMs:      500,
		}
	}
	if c.Pool.CB == nil {
		c.Pool.CB = &CircuitBreaker{
			OpenAfterConsecutiveFailures: 5,
			CooldownSec:                  30,
			HalfOpenMaxRequests:          1,
		}
	}

	if p := c.Policy; p != nil && p.RateLimit != nil {
		if p.RateLimit.Burst <= 0 {
			p.RateLimit.Burst = p.RateLimit.RPS
		}
		if p.RateLimit.Key == "" {
			p.RateLimit.Key = "ip"
		}
	}

	if c.Telemetry == nil {
		c.Telemetry = &Telemetry{
			ServiceName: "nservers",
			Sampling:    0.1,
		}
	} else {
		if c.Telemetry.ServiceName == "" {
			c.Telemetry.ServiceName = "nservers"
		}
		if c.Telemetry.Sampling <= 0 {
			c.Telemetry.Sampling = 0.1
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Pool.Servers))
	for i, s := range c.Pool.Servers {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("config: pool server %d has neither name nor addr", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("config: duplicate pool server %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	if c.Pool.Health != nil && c.Pool.Health.IntervalSec > 0 {
		for _, s := range c.Pool.Servers {
			if s.Addr == "" {
				return fmt.Errorf("config: health checks enabled but server %q has no addr", s.Name)
			}
		}
	}
	return nil
}
