package middleware

import (
	"context"
	"net/http"
)

const tenantIDKey contextKey = "tenant_id"

// TenantHeader carries the caller's tenant. An absent header means the host
// tenant, stored as the empty string.
const TenantHeader = "X-Tenant-ID"

// Tenant stores the X-Tenant-ID header on the request context.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), tenantIDKey, r.Header.Get(TenantHeader))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant stored by the middleware.
// Returns an empty string (the host tenant) if the middleware was not applied.
func GetTenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}
