/**
 * @description
 * Merchant authentication middleware. Requests carry a bearer JWT whose
 * merchant_id claim identifies the caller; the token is verified against
 * the shared API signing secret.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and verification.
 */

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const merchantIDKey contextKey = "merchant_id"

// MerchantAuth verifies the bearer token and injects the merchant id into
// the request context.
func MerchantAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(header, "Bearer ")

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			rawID, _ := claims["merchant_id"].(string)
			merchantID, err := uuid.Parse(rawID)
			if err != nil {
				http.Error(w, `{"error":"token missing merchant_id"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), merchantIDKey, merchantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MerchantFromContext returns the authenticated merchant id.
func MerchantFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(merchantIDKey).(uuid.UUID)
	return id, ok
}
