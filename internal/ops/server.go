// Package ops serves the operational HTTP endpoints: health, readiness,
// process and queue inspection, Prometheus metrics and pprof.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires a token, sent as "Authorization: Bearer <token>"
//     or ?token=<token>.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/runtime/routines"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 60 * time.Second
	idleTimeout  = 2 * time.Minute
)

// Service runs the ops listener under a restart loop so it self-heals.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     config.OpsConfig
	handler http.Handler

	ln    net.Listener
	srv   *http.Server
	group *routines.Group
	ready chan struct{}
}

func NewService(cfg config.OpsConfig, h http.Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, handler: h, log: log.Component("ops")}
}

// Start is idempotent. It returns once the first listen attempt was made.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.group != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.group = routines.New(ctx, routines.WithLogger(s.log))
	s.ready = make(chan struct{})
	g, ready := s.group, s.ready
	s.mu.Unlock()

	var once sync.Once
	g.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, func() { once.Do(func() { close(ready) }) })
	}, routines.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	select {
	case <-ready:
	case <-ctx.Done():
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	g, srv := s.group, s.srv
	s.group, s.srv, s.ln = nil, nil, nil
	s.mu.Unlock()
	if g == nil {
		return
	}
	g.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = g.Wait(ctx)
	s.log.Info("ops stopped")
}

// Addr reports the actual listen address while running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) serveOnce(ctx context.Context, attempted func()) error {
	defer attempted()
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Listen)
	if addr == "" {
		addr = config.DefaultOpsListen
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("ops refused to start: non-loopback listen address requires a token", logx.String("addr", addr))
		return errors.New("ops refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("ops listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      withToken(cfg.Token, s.handler),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	attempted()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func withToken(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
