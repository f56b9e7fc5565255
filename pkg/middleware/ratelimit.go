package middleware

import (
	"net"
	"net/http"

	"go.uber.org/zap"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/ratelimit"
)

// RateLimit rejects requests beyond the per client and path budget of
// store with 429.
func RateLimit(store *ratelimit.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !store.Allow(ip + ":" + r.URL.Path) {
			// rejected clients are expected under load; no stack
			logger.Warn(r.Context(), "http rate limited",
				zap.String("request_id", RequestIDFrom(r.Context())),
				zap.String("ip", ip),
				zap.String("path", r.URL.Path),
			)
			Fail(w, http.StatusTooManyRequests, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
