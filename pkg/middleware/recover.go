package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/xerr"
)

// Response is the JSON body of a rejected side server request.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Fail writes a Response with the given status.
func Fail(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Code: code, Message: msg})
}

// Recover turns a handler panic into a logged 500.
func Recover(server string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Error(r.Context(), "http panic",
					zap.String("server", server),
					zap.String("request_id", RequestIDFrom(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", err),
					zap.ByteString("stack", debug.Stack()),
				)
				Fail(w, http.StatusInternalServerError, xerr.Init, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
