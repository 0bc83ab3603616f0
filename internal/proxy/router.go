package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP handler tree: chi's standard RequestID/RealIP/
// Recoverer/Logger stack, the correlation-id middleware, the /__status
// diagnostic endpoint, and a catch-all mount for the admission and retry
// engine across every method and path.
func NewRouter(engine *Engine) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/__status", engine.StatusHandler)

	r.HandleFunc("/*", engine.ServeHTTP)
	r.HandleFunc("/", engine.ServeHTTP)

	return r
}
