// Package http exposes the ledger command interface over HTTP/JSON.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ledger/internal/commands"
	applog "ledger/internal/log"
	"ledger/internal/middleware/ratelimit"
	"ledger/internal/middleware/security"
	"ledger/internal/middleware/trace"
)

// DefaultMaxBodyBytes bounds command payloads.
const DefaultMaxBodyBytes = 1 << 20

// Commander runs ledger commands. *commands.Dispatcher implements it.
type Commander interface {
	Dispatch(ctx context.Context, name string, payload []byte) (any, error)
	Handle(ctx context.Context, req commands.Request) (any, error)
	Commands() []string
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr         string
	Logger       *applog.Logger
	MaxBodyBytes int64
	RateLimit    ratelimit.Config
	Headers      security.HeadersConfig
}

type Server struct {
	http.Server
	commands Commander
	ready    Pinger
	maxBody  int64
	limiter  *ratelimit.Limiter
	detector *security.Detector

	shutdownOnce sync.Once
}

// NewServer wires routes and middleware, returning a ready-to-run server.
func NewServer(opts Options, cmds Commander, ready Pinger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = applog.New(applog.DefaultConfig())
	}
	if opts.Headers == (security.HeadersConfig{}) {
		opts.Headers = security.DefaultHeadersConfig()
	}

	s := &Server{
		commands: cmds,
		ready:    ready,
		maxBody:  opts.MaxBodyBytes,
		limiter:  ratelimit.NewLimiter(opts.RateLimit),
		detector: security.NewDetector(),
	}

	limit := s.limiter.Middleware(s.detector.ClientIP, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusTooManyRequests, errorBody{Error: errorDetail{
			Kind:    "rate_limited",
			Message: "rate limit exceeded, retry later",
		}})
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /api/v1/commands", s.handleListCommands)
	mux.Handle("POST /api/v1/commands", limit(http.HandlerFunc(s.handleEnvelope)))
	mux.Handle("POST /api/v1/commands/{name}", limit(http.HandlerFunc(s.handleCommand)))

	var handler http.Handler = mux
	handler = s.flagSuspicious(handler)
	handler = security.Headers(opts.Headers)(handler)
	handler = trace.NewMiddleware(s.detector.ClientIP).Middleware(handler)
	handler = applog.Middleware(opts.Logger.WithComponent(applog.ComponentHTTP))(handler)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) flagSuspicious(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.detector.Suspicious(r) {
			applog.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
				applog.FieldMethod, r.Method,
				applog.FieldPath, r.URL.Path,
				applog.FieldClientIP, s.detector.ClientIP(r))
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops the rate limiter and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}
