// Package admin serves a small HTTP API for inspecting and poking the cache:
//
//	GET  /healthz
//	GET  /status                   supervisor tasks and refresher counters
//	GET  /entries                  every entry, without values
//	GET  /entries/{key}            one entry; ?raw=1 returns the value bytes
//	POST /entries/{key}/invalidate mark stale now
//	POST /entries/{key}/refresh    queue a fetch
//	GET  /metrics                  prometheus exposition
//
// and, when enabled, net/http/pprof under /debug/pprof/.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"stalewatch/internal/querycache"
	"stalewatch/internal/refresher"
	logx "stalewatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6061"

// Config controls the admin server.
//
// Security: prefer a loopback Addr. A non-loopback Addr requires Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// Cache is the part of the query cache the API reads and invalidates.
type Cache interface {
	List(ctx context.Context) ([]querycache.Snapshot, error)
	Get(ctx context.Context, key string) (querycache.Snapshot, error)
	Invalidate(ctx context.Context, key string) error
}

type Refresher interface {
	Trigger(key string) bool
	Stats() refresher.Stats
}

type Service struct {
	log    logx.Logger
	cache  Cache
	refr   Refresher
	status func() any
	reg    *prometheus.Registry

	mu      sync.Mutex
	cfg     Config
	addr    string // bound address of the running server
	restart chan struct{}
}

// New builds the service. status, if set, is embedded in GET /status.
func New(cfg Config, cache Cache, refr Refresher, status func() any, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		cache:   cache,
		refr:    refr,
		status:  status,
		reg:     newRegistry(cache, refr),
		cfg:     cfg,
		restart: make(chan struct{}, 1),
	}
}

// Reconfigure swaps the config; Run restarts the server when it matters.
func (s *Service) Reconfigure(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev == cfg {
		return
	}
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// Addr returns the address the server is listening on, or "" when it is not.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Validate rejects configs the server would refuse to start with.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	addr := addrOrDefault(cfg.Addr)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	if !cfg.AllowInsecure && strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		return errors.New("admin: non-loopback addr requires token or allow_insecure")
	}
	return nil
}

// Run serves until ctx is done, restarting the listener on Reconfigure.
func (s *Service) Run(ctx context.Context) error {
	for {
		// The config read below supersedes any pending restart request.
		select {
		case <-s.restart:
		default:
		}
		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		if !cfg.Enabled {
			select {
			case <-ctx.Done():
				return nil
			case <-s.restart:
				continue
			}
		}
		if err := s.serve(ctx, cfg); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serve runs one server until ctx is done or a restart is requested.
func (s *Service) serve(ctx context.Context, cfg Config) error {
	if err := Validate(cfg); err != nil {
		s.log.Error("admin refused to start", logx.Err(err))
		return err
	}
	ln, err := net.Listen("tcp", addrOrDefault(cfg.Addr))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("admin started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case <-s.restart:
		s.log.Info("admin restarting")
	case serveErr = <-errc:
	}

	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = srv.Shutdown(sctx)
	cancel()
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// Handler builds the router for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", metricsHandler(s.reg))
	r.Get("/entries", s.handleList)
	r.Get("/entries/{key}", s.handleGet)
	r.Post("/entries/{key}/invalidate", s.handleInvalidate)
	r.Post("/entries/{key}/refresh", s.handleRefresh)

	if cfg.Pprof {
		r.HandleFunc("/debug/pprof/*", hpprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return r
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Accept either "Authorization: Bearer <token>" or ?token=<token>.
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func addrOrDefault(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
