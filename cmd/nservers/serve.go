package main

import (
	"context"
	"crypto/tls"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/quic-go/quic-go/http3"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/arencloud/nservers/internal/api"
	"github.com/arencloud/nservers/internal/config"
	"github.com/arencloud/nservers/internal/metrics"
	"github.com/arencloud/nservers/internal/observability"
	"github.com/arencloud/nservers/internal/pool"
	"github.com/arencloud/nservers/internal/security"
	"github.com/arencloud/nservers/internal/telemetry"
	"github.com/arencloud/nservers/pkg/policy"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lookup API and admin listeners",
		Long: `Serve runs the HTTP/JSON lookup API, the admin listener (metrics, pprof, drain and
reload controls) and, when TLS is configured, an optional HTTP/3 listener.
SIGHUP or POST /admin/reload re-reads the config file without dropping connections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(log)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, log, cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config/example.yaml", "path to YAML config")
	return cmd
}

type switchableHandler struct {
	h atomic.Value // http.Handler
}

func (s *switchableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, _ := s.h.Load().(http.Handler)
	if h == nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}

func (s *switchableHandler) Set(h http.Handler) { s.h.Store(h) }

// pipeline is everything rebuilt on reload.
type pipeline struct {
	cfg     *config.Config
	pool    *pool.Pool
	api     *api.Handler
	handler http.Handler
}

type server struct {
	log     *slog.Logger
	cfgPath string
	ctx     context.Context // owns pool health loops
	metrics *metrics.Collector
	promH   http.Handler
	sw      switchableHandler

	mu  sync.Mutex // serializes reloads
	cur atomic.Pointer[pipeline]
}

func newServer(ctx context.Context, log *slog.Logger, cfgPath string) *server {
	m := metrics.NewCollector()
	return &server{
		log:     log,
		cfgPath: cfgPath,
		ctx:     ctx,
		metrics: m,
		promH:   m.Handler(),
	}
}

func (s *server) build(cfg *config.Config) (*pipeline, error) {
	p, err := pool.New(s.log, cfg.Pool, pool.WithObserver(s.metrics))
	if err != nil {
		return nil, err
	}
	a := api.New(s.log, cfg, p, s.metrics)
	var h http.Handler = a
	h = security.AuthMiddleware(cfg.API.Auth, "nservers-api")(h)
	h = policy.BuildChain(s.log, cfg.Policy, h)
	h = observability.RequestLogger(s.log)(h)
	return &pipeline{cfg: cfg, pool: p, api: a, handler: h}, nil
}

// install starts pl and swaps it in. The previous pipeline keeps its drain state and is
// stopped after the swap.
func (s *server) install(pl *pipeline) {
	old := s.cur.Load()
	if old != nil {
		pl.api.SetDraining(old.api.IsDraining())
	}
	pl.pool.Start(s.ctx)
	s.cur.Store(pl)
	s.sw.Set(pl.handler)
	if old != nil {
		old.pool.Close()
	}
}

func (s *server) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		return err
	}
	gen := policy.Generation()
	pl, err := s.build(cfg)
	if err != nil {
		return err
	}
	s.install(pl)
	policy.Release(gen)
	s.log.Info("config reloaded", "servers", pl.pool.Len())
	return nil
}

func (s *server) publishPool() {
	pl := s.cur.Load()
	if pl == nil {
		return
	}
	st := pl.pool.Status()
	health := make(map[string]bool, len(st))
	for _, ss := range st {
		health[ss.Name] = ss.Healthy
	}
	s.metrics.SetPool(health)
}

func (s *server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		s.publishPool()
		s.promH.ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /admin/servers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(map[string]any{
			"servers": s.cur.Load().pool.Status(),
		})
	})
	mux.HandleFunc("POST /admin/drain", func(w http.ResponseWriter, r *http.Request) {
		s.cur.Load().api.SetDraining(true)
		s.log.Info("draining enabled")
		_, _ = w.Write([]byte("draining enabled"))
	})
	mux.HandleFunc("POST /admin/undrain", func(w http.ResponseWriter, r *http.Request) {
		s.cur.Load().api.SetDraining(false)
		s.log.Info("draining disabled")
		_, _ = w.Write([]byte("draining disabled"))
	})
	mux.HandleFunc("POST /admin/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := s.reload(); err != nil {
			s.log.Error("reload failed", "err", err)
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("reloaded"))
	})
	return mux
}

func apiServer(cfg *config.Config, h http.Handler, tlsCfg *tls.Config) *http.Server {
	st := cfg.API.Server
	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: time.Duration(st.ReadHeaderTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(st.IdleTimeoutSec) * time.Second,
		MaxHeaderBytes:    st.MaxHeaderBytes,
	}
	if st.ReadTimeoutSec > 0 {
		srv.ReadTimeout = time.Duration(st.ReadTimeoutSec) * time.Second
	}
	if st.WriteTimeoutSec > 0 {
		srv.WriteTimeout = time.Duration(st.WriteTimeoutSec) * time.Second
	}
	// h2c only makes sense without TLS
	if tlsCfg == nil && cfg.API.EnableH2C {
		srv.Handler = h2c.NewHandler(h, &http2.Server{})
	}
	return srv
}

func runServe(ctx context.Context, log *slog.Logger, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	otelShutdown, err := telemetry.InitProvider(cfg.Telemetry)
	if err != nil {
		log.Error("failed to init telemetry", "err", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			log.Error("telemetry shutdown error", "err", err)
		}
	}()

	s := newServer(ctx, log, cfgPath)
	pl, err := s.build(cfg)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	s.install(pl)
	defer func() { s.cur.Load().pool.Close() }()
	defer policy.Shutdown()

	adminSrv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           observability.RequestLogger(log)(security.AuthMiddleware(cfg.Admin.Auth, "nservers-admin")(s.adminMux())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	tlsCfg, err := security.BuildServerTLS(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	var h3 *http3.Server
	var apiHandler http.Handler = &s.sw
	if tlsCfg != nil && cfg.API.EnableHTTP3 {
		addr := cfg.API.HTTP3Listen
		if addr == "" {
			addr = cfg.API.Listen
		}
		h3 = &http3.Server{Addr: addr, Handler: &s.sw, TLSConfig: http3.ConfigureTLSConfig(tlsCfg)}
		// advertise h3 on the TCP listener
		apiHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = h3.SetQUICHeaders(w.Header())
			s.sw.ServeHTTP(w, r)
		})
	}
	apiSrv := apiServer(cfg, apiHandler, tlsCfg)

	errCh := make(chan error, 3)
	go func() {
		log.Info("admin listener starting", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin: %w", err)
		}
	}()
	go func() {
		ln, err := net.Listen("tcp", apiSrv.Addr)
		if err != nil {
			errCh <- fmt.Errorf("api: %w", err)
			return
		}
		log.Info("api listener starting", "addr", apiSrv.Addr, "tls", tlsCfg != nil, "h2c", tlsCfg == nil && cfg.API.EnableH2C)
		if tlsCfg != nil {
			err = apiSrv.ServeTLS(ln, "", "")
		} else {
			err = apiSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	if h3 != nil {
		go func() {
			log.Info("http3 listener starting", "addr", h3.Addr)
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3: %w", err)
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal")
			break loop
		case <-hup:
			if err := s.reload(); err != nil {
				log.Error("reload failed", "err", err)
			}
		case runErr = <-errCh:
			log.Error("listener error", "err", runErr)
			break loop
		}
	}

	s.cur.Load().api.SetDraining(true)
	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shCtx)
	_ = adminSrv.Shutdown(shCtx)
	if h3 != nil {
		_ = h3.Close()
	}
	log.Info("shutdown complete")
	return runErr
}
