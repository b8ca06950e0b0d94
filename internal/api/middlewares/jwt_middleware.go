package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const tenantKey ctxKey = iota

// TenantIdentity is the caller identity carried by the JWT: the tenant the
// request is scoped to, and optionally a default matter.
type TenantIdentity struct {
	TenantID string
	MatterID string
}

// TenantFrom returns the identity attached by JWTMiddleware.
func TenantFrom(ctx context.Context) (TenantIdentity, bool) {
	id, ok := ctx.Value(tenantKey).(TenantIdentity)
	return id, ok
}

// JWTMiddleware validates the Authorization bearer token and attaches the
// tenant identity to the request context. A token without a tenant_id claim
// is rejected: every downstream query must be tenant-scoped.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing or invalid token", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims,
				func(t *jwt.Token) (interface{}, error) {
					return []byte(secret), nil
				},
				// The secret is an HMAC key; never let the token header
				// pick a different algorithm family.
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			tenantID, ok := claims["tenant_id"].(string)
			if !ok || tenantID == "" {
				http.Error(w, "token missing tenant claim", http.StatusUnauthorized)
				return
			}
			identity := TenantIdentity{TenantID: tenantID}
			if matterID, ok := claims["matter_id"].(string); ok {
				identity.MatterID = matterID
			}

			ctx := context.WithValue(r.Context(), tenantKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
