package middleware

import "net/http"

// corsHeaders is the closed set of request headers the dashboard sends:
// the bearer token, the JSON content type, the tenant hint and the install
// idempotency key.
const corsHeaders = "Authorization, Content-Type, X-Tenant-ID, X-Idempotency-Key"

// CORS stamps the cross-origin headers the dashboard frontend needs and
// short-circuits preflight requests. Deployments pin the allowed origin
// through configuration; an empty origin falls back to "*" for single-node
// setups.
func CORS(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "600")
			if origin != "*" {
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
