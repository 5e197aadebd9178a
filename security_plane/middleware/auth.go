package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/plugsentry/PlugSentry/security_plane/auth"
)

// AuthMiddleware enforces JWT authentication on requests. The tenant from
// the validated claims overrides any tenant header, so a caller cannot act
// across tenants by forging X-Tenant-ID.
func AuthMiddleware(authn *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
				return
			}

			claims, err := authn.ValidateToken(parts[1])
			if err != nil {
				http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := withTenant(r.Context(), claims.TenantID)
			ctx = context.WithValue(ctx, roleContextKey, claims.Role)
			ctx = context.WithValue(ctx, claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRoleFromContext retrieves the role set by AuthMiddleware.
func GetRoleFromContext(ctx context.Context) (string, error) {
	role, ok := ctx.Value(roleContextKey).(string)
	if !ok || role == "" {
		return "", fmt.Errorf("no role in request context")
	}
	return role, nil
}
