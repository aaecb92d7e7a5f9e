package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/jobsup/internal/observability"
)

// ErrorResponse is the body of every error the server returns.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError writes an ErrorResponse with the request id attached.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: chimw.GetReqID(r.Context()),
	}})
}

// RequestID is chi's request id middleware. It honours an incoming
// X-Request-Id header.
func RequestID(next http.Handler) http.Handler {
	return chimw.RequestID(next)
}

// Recovery turns a panicking handler into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			observability.CLILogger.Error("Handler panicked",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.Any("panic", rec))
			WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// RequestLogger logs one line per request at debug level.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())))
		})
	}
}
