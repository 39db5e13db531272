package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/cors"

	"github.com/amurg-ai/rolegate/gate/internal/auth"
	"github.com/amurg-ai/rolegate/pkg/x402"
)

type contextKey string

const identityKey contextKey = "identity"

// authMiddleware resolves the bearer token into an identity. The token may
// also come from the token query parameter, for WebSocket upgrades.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "malformed authorization header")
				return
			}
			tokenStr = authHeader[7:]
		}

		identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			if tokenStr == "" && errors.Is(err, auth.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !getIdentityFromContext(r.Context()).IsAdmin() {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

// makeCORSMiddleware allows the payment page to send the payment header with
// credentials and read the settlement receipt.
func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", x402.PaymentHeader},
		ExposedHeaders:   []string{x402.PaymentResponseHeader},
		AllowCredentials: !allowAll,
		MaxAge:           300,
	})
}
