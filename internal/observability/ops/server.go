// Package ops serves the operations endpoints: liveness, prometheus metrics
// and optionally net/http/pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smartsend/internal/config"
	"smartsend/pkg/logx"
)

// Config controls the ops HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// FromConfig converts the ops section, parsing its durations.
func FromConfig(c config.OpsConfig) (Config, error) {
	rt, err := config.DurationOr("ops.read_timeout", c.ReadTimeout, 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	wt, err := config.Duration("ops.write_timeout", c.WriteTimeout)
	if err != nil {
		return Config{}, err
	}
	it, err := config.DurationOr("ops.idle_timeout", c.IdleTimeout, 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Addr:                 c.Addr,
		Token:                c.Token,
		AllowInsecure:        c.AllowInsecure,
		Pprof:                c.Pprof,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
	}, nil
}

var ErrInsecureBind = errors.New("ops: non-loopback addr requires token or allow_insecure")

// HealthFunc reports extra fields for /healthz.
type HealthFunc func() map[string]any

type Option func(*Server)

func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithHealth(fn HealthFunc) Option { return func(s *Server) { s.health = fn } }

type Server struct {
	cfg      Config
	log      logx.Logger
	gatherer prometheus.Gatherer
	health   HealthFunc
	started  time.Time

	mu   sync.Mutex
	addr string
}

func New(cfg Config, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = config.DefaultOpsAddr
	}
	s := &Server{
		cfg:      cfg,
		log:      log.With(logx.Component("ops")),
		gatherer: prometheus.DefaultGatherer,
		started:  time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Addr is the bound listen address once Run is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler is the ops mux, every route behind the bearer token when one is set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(s.cfg.Token, mux)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	body["status"] = "ok"
	body["uptime"] = time.Since(s.started).Round(time.Second).String()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// Run listens and serves until ctx is done. It suits supervisor.GoRestart.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg
	if !cfg.AllowInsecure && cfg.Token == "" && !config.IsLoopbackAddr(cfg.Addr) {
		s.log.Error("ops refused to start", logx.String("addr", cfg.Addr), logx.Err(ErrInsecureBind))
		return ErrInsecureBind
	}
	if cfg.Token == "" && !config.IsLoopbackAddr(cfg.Addr) {
		s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}
	if cfg.Pprof {
		if cfg.MutexProfileFraction > 0 {
			runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
		}
		if cfg.BlockProfileRate > 0 {
			runtime.SetBlockProfileRate(cfg.BlockProfileRate)
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("ops started", logx.String("addr", s.Addr()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-errCh
		s.log.Info("ops stopped")
		return context.Canceled
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return errors.New("ops server exited unexpectedly")
		}
		return err
	}
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
		h.ServeHTTP(w, r)
	})
}
