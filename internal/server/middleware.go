package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/session"
)

type ctxKey int

const sessionKey ctxKey = iota

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			zap.L().Error("server: request", fields...)
			return
		}
		zap.L().Info("server: request", fields...)
	})
}

// requireSession rejects requests without a session (401) or without perm
// (403). The session is available to handlers through sessionFrom.
func (s *Server) requireSession(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := s.deps.Sessions.GetSession(r)
			if err != nil {
				zap.L().Error("server: session lookup failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "session lookup failed")
				return
			}
			if sess == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !sess.Can(perm) {
				writeError(w, http.StatusForbidden, "missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
		})
	}
}

func sessionFrom(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}
