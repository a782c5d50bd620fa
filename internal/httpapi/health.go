package httpapi

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// handleRoot answers GET / with a minimal liveness payload distinct from
// the deeper dependency checks below.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDBHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	ok := true
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("httpapi: db health check failed", "error", err)
		ok = false
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleRedisHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	ok := true
	if err := s.redis.Ping(ctx).Err(); err != nil {
		s.logger.Warn("httpapi: redis health check failed", "error", err)
		ok = false
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]bool{"ok": ok})
}
