package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger returns a zerolog request logger. Hijacked websocket upgrades are
// demoted to debug: their elapsed time is the session lifetime, not a request
// latency, and would dominate the request log. Failed upgrades still write a
// status and are logged like any other request.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	log := logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				// A hijacked connection never reaches WriteHeader, so the
				// wrapper still reports a zero status.
				if ww.Status() == 0 && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
					log.Debug().
						Str("path", r.URL.Path).
						Str("remote_addr", r.RemoteAddr).
						Str("request_id", middleware.GetReqID(r.Context())).
						Dur("session", time.Since(start)).
						Msg("websocket session closed")
					return
				}
				log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
