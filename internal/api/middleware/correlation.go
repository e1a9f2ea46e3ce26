package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// Correlation headers, in lookup order. X-Request-ID is accepted from
// proxies that only set that one.
const (
	CorrelationHeader = "X-Correlation-ID"
	requestIDHeader   = "X-Request-ID"
)

// maxCorrelationIDLen bounds caller-supplied ids before they reach the logs.
const maxCorrelationIDLen = 128

// CorrelationID takes the caller's correlation id (or generates one), stores
// it on the request context and echoes it in the response header.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = r.Header.Get(requestIDHeader)
		}
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID stored by the middleware.
// Returns an empty string if the middleware was not applied.
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}
