// Package server assembles the HTTP server: route table, middleware chain,
// and lifecycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clipforge/internal/api"
	"clipforge/internal/auth"
	"clipforge/internal/observability/logging"
)

type Config struct {
	Addr   string
	CORS   CORSConfig
	Logger *slog.Logger
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/api/videos", handler.Videos)
	mux.HandleFunc("/api/jobs/", handler.JobByID)
	mux.HandleFunc("/transcode", handler.Transcode)

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure CORS: %w", err)
	}

	handlerChain := http.Handler(mux)
	handlerChain = authMiddleware(handler.Auth, handlerChain)
	handlerChain = securityHeadersMiddleware(handlerChain)
	handlerChain = corsMiddleware(policy, cfg.Logger, handlerChain)
	if cfg.Logger != nil {
		handlerChain = logging.RequestLogger(cfg.Logger)(handlerChain)
	}
	handlerChain = requestIDMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		// Generous write timeout: the legacy /transcode endpoint holds the
		// response open for the whole pipeline.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: httpServer, logger: cfg.Logger}, nil
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware guards the /api/ routes with bearer authentication and
// attaches the resolved identity to the request context. The health endpoint
// and the legacy /transcode endpoint stay open; the latter forwards its
// Authorization header to the source download instead.
func authMiddleware(verifier *auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if verifier == nil {
			api.WriteError(w, http.StatusUnauthorized, auth.ErrMissingToken)
			return
		}
		identity, err := verifier.Authenticate(r)
		if err != nil {
			api.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), identity)))
	})
}
