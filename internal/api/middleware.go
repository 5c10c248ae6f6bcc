/**
 * @description
 * This file contains the authentication middleware for the billing HTTP surface. Client routes
 * carry an HS256 JWT issued by the marketplace auth service; internal routes carry the shared
 * internal API key used between backend services.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and signature validation.
 */
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clementdevtech/cardirectory/internal/domain"
)

type contextKey string

const (
	subjectIDKey contextKey = "subjectID"
	roleKey      contextKey = "role"
)

// InternalAPIKeyHeader carries the shared secret on service-to-service calls.
const InternalAPIKeyHeader = "X-Internal-API-Key"

// JWTAuthMiddleware validates bearer tokens signed with secret and injects the subject into context.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			subjectID, _ := claims["sub"].(string)
			if strings.TrimSpace(subjectID) == "" {
				writeError(w, http.StatusUnauthorized, "Subject not found in token")
				return
			}
			role, _ := claims["role"].(string)

			ctx := context.WithValue(r.Context(), subjectIDKey, subjectID)
			ctx = context.WithValue(ctx, roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalKeyMiddleware rejects requests that do not present the internal API key.
func InternalKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(strings.TrimSpace(r.Header.Get(InternalAPIKeyHeader)))
			if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectFromContext returns the authenticated subject id.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subjectID, ok := ctx.Value(subjectIDKey).(string)
	return subjectID, ok && subjectID != ""
}

// IsAdmin reports whether the authenticated caller holds the admin role.
func IsAdmin(ctx context.Context) bool {
	role, _ := ctx.Value(roleKey).(string)
	return role == domain.RoleAdmin
}
