package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalKeyHeader carries the shared secret for service-to-service calls.
const InternalKeyHeader = "X-Internal-Key"

// InternalKey admits requests whose X-Internal-Key matches key. An empty key
// rejects everything.
func InternalKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalKeyHeader)
			if key == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
