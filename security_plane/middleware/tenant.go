package middleware

import (
	"context"
	"errors"
	"net/http"
)

// TenantHeader carries the caller's tenant on surfaces that run without
// token auth (internal tooling, test harnesses). Authenticated requests get
// their tenant from the validated claims, never from this header.
const TenantHeader = "X-Tenant-ID"

// contextKey keeps middleware context values out of the global string key
// space.
type contextKey int

const (
	tenantContextKey contextKey = iota
	roleContextKey
	claimsContextKey
)

var errNoTenant = errors.New("no tenant in request context")

// TenantMiddleware requires the tenant header and threads its value through
// the request context. Requests without it are refused before any handler
// runs.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			http.Error(w, TenantHeader+" header is required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
	})
}

func withTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenant)
}

// GetTenantFromContext returns the tenant placed in the context by the
// tenant or auth middleware.
func GetTenantFromContext(ctx context.Context) (string, error) {
	tenant, ok := ctx.Value(tenantContextKey).(string)
	if !ok || tenant == "" {
		return "", errNoTenant
	}
	return tenant, nil
}
