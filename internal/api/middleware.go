/**
 * @description
 * This file contains custom middleware for the HTTP router. The loyalty core
 * treats staff identity as best-effort attribution: a valid bearer token adds
 * the staff email to the request context, while a missing or invalid token
 * simply leaves the request anonymous. No loyalty operation is rejected for
 * lack of staff credentials.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and verification.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// StaffContextKey is a custom type for the context key to avoid collisions.
type StaffContextKey string

const staffEmailKey StaffContextKey = "staffEmail"

// OptionalStaffAuth creates a middleware that extracts a verified staff email
// from a bearer JWT when one is presented. Verification uses an HS256 shared
// secret; an empty secret disables attribution entirely.
func OptionalStaffAuth(jwtSecret string) func(http.Handler) http.Handler {
	secret := []byte(strings.TrimSpace(jwtSecret))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				next.ServeHTTP(w, r)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				next.ServeHTTP(w, r)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			email, ok := claims["email"].(string)
			if !ok || strings.TrimSpace(email) == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), staffEmailKey, strings.TrimSpace(email))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetStaffEmail retrieves the authenticated staff email from the request
// context. The empty string means the request is anonymous.
func GetStaffEmail(ctx context.Context) string {
	email, _ := ctx.Value(staffEmailKey).(string)
	return email
}
