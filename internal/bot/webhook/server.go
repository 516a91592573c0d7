// Package webhook is the bot's inbound-event listener: an HTTP server that
// accepts Telegram updates, plus the health and metrics endpoints.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "oraclebot/pkg/logx"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Status labels reported to the Observer.
const (
	StatusOK           = "ok"
	StatusBadRequest   = "bad_request"
	StatusUnauthorized = "unauthorized"
	StatusRateLimited  = "rate_limited"
	StatusError        = "error"
)

type Config struct {
	Addr        string
	Path        string
	SecretToken string
	RatePerSec  int // 0 disables limiting
	Burst       int
	MaxBodySize int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Sink receives decoded updates. A returned error is answered with 500 so
// Telegram redelivers.
type Sink func(ctx context.Context, u tele.Update) error

type Observer interface {
	ObserveWebhook(status string)
}

type Server struct {
	cfg     Config
	log     logx.Logger
	sink    Sink
	obs     Observer
	metrics http.Handler
	limiter *rate.Limiter
	backups Catalog
	users   UserCounter

	mu        sync.Mutex
	ln        net.Listener
	srv       *http.Server
	startedAt time.Time
}

type Option func(*Server)

func WithObserver(o Observer) Option { return func(s *Server) { s.obs = o } }

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func New(cfg Config, sink Sink, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/webhook"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	s := &Server{cfg: cfg, log: log.With(logx.Component("webhook")), sink: sink}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Handler returns the router. Routes:
//   - POST <path> - Telegram update
//   - GET /healthz - liveness
//   - GET /metrics - Prometheus exposition (when configured)
//   - GET /backups, GET /status - operator views (when configured)
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.backups != nil {
		r.Get("/backups", s.handleBackups)
	}
	if s.backups != nil || s.users != nil {
		r.Get("/status", s.handleStatus)
	}
	r.Post(s.cfg.Path, s.handleUpdate)
	return r
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.reply(w, http.StatusUnauthorized, StatusUnauthorized)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.reply(w, http.StatusTooManyRequests, StatusRateLimited)
		return
	}

	var u tele.Update
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err := dec.Decode(&u); err != nil {
		s.log.Debug("bad update payload", logx.Err(err))
		s.reply(w, http.StatusBadRequest, StatusBadRequest)
		return
	}
	if u.ID == 0 {
		s.reply(w, http.StatusBadRequest, StatusBadRequest)
		return
	}
	if s.sink == nil {
		s.reply(w, http.StatusInternalServerError, StatusError)
		return
	}
	if err := s.sink(r.Context(), u); err != nil {
		s.log.Warn("update processing failed", logx.Int("update_id", u.ID), logx.Err(err))
		s.reply(w, http.StatusInternalServerError, StatusError)
		return
	}
	s.reply(w, http.StatusOK, StatusOK)
}

// authorized checks the secret header; without a secret every request passes.
func (s *Server) authorized(r *http.Request) bool {
	tok := s.cfg.SecretToken
	if tok == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(tok)) == 1
}

func (s *Server) reply(w http.ResponseWriter, code int, status string) {
	if s.obs != nil {
		s.obs.ObserveWebhook(status)
	}
	if code == http.StatusOK {
		w.WriteHeader(code)
		_, _ = w.Write([]byte("OK"))
		return
	}
	http.Error(w, http.StatusText(code), code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("duration", time.Since(start)),
		)
	})
}

// Listen binds the address. Events are accepted only once Serve runs.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	return nil
}

// Addr is the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// StartedAt is when Serve began accepting connections.
func (s *Server) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Serve accepts connections until ctx is cancelled, then shuts the server down.
// It returns nil after a requested shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.startedAt = time.Now()
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		// Bounded; the owner's Stop deadline does the real waiting.
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	defer close(stopped)

	s.log.Info("webhook listener started", logx.String("addr", ln.Addr().String()), logx.String("path", s.cfg.Path), logx.Bool("secret_set", s.cfg.SecretToken != ""))
	err := srv.Serve(ln)

	s.mu.Lock()
	s.ln = nil
	s.srv = nil
	s.mu.Unlock()

	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		s.log.Info("webhook listener stopped")
		return nil
	}
	return err
}

// Close forces the listener down without waiting for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Close())
	}
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
