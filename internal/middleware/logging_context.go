package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"quizcache/pkg/logging/logging"
)

// LoggingContext puts a request-scoped logger into the context so handlers
// can log through logging.L. Must run after chi's RequestID and RealIP.
func LoggingContext(base *zap.Logger) func(next http.Handler) http.Handler {
	base = logging.OrNop(base).Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
			if r.RemoteAddr != "" {
				fields = append(fields, zap.String("remote_ip", r.RemoteAddr))
			}
			if uid := r.Header.Get("X-User-ID"); uid != "" {
				fields = append(fields, zap.String("user_id", uid))
			}

			ctx := logging.WithLogger(r.Context(), base.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
