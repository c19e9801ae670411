// Package chi mounts the settlement service on a Chi router.
// This package is a thin adapter: every endpoint is served by the shared
// handlers in the http package.
package chi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	permithttp "github.com/mark3labs/permitpay-go/http"
	"github.com/mark3labs/permitpay-go/relayauth"
)

// Config configures the router.
type Config struct {
	// Verifier authenticates callers of non-public routes. Nil serves every
	// route without a caller, which the access guard then treats as unknown.
	Verifier *relayauth.Verifier

	// RequestTimeout bounds each request. Zero means no bound.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// NewRouter mounts h on a new Chi router.
//
// Example usage:
//
//	h := &permithttp.Handlers{Facilitator: local, Admin: local}
//	r := chi.NewRouter(h, chi.Config{Verifier: issuer.Verifier()})
//	http.ListenAndServe(":8080", r)
func NewRouter(h *permithttp.Handlers, cfg Config) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	var auth func(http.Handler) http.Handler
	if cfg.Verifier != nil {
		auth = permithttp.Authenticate(cfg.Verifier, logger)
	}

	for _, rt := range h.Routes() {
		if rt.Public || auth == nil {
			r.Method(rt.Method, rt.Path, rt.Handler)
			continue
		}
		r.With(auth).Method(rt.Method, rt.Path, rt.Handler)
	}
	return r
}

// RequestLogger logs one line per request with its status and duration.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
