package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/touristsafe/custody/internal/custody"
	"github.com/touristsafe/custody/internal/policy"
)

type actorKey struct{}

// Claims are the token claims custodyd consumes. Tokens are issued by the
// registration frontend after OTP verification; this service only verifies the
// signature and consumes the role claim for authorization decisions.
type Claims struct {
	Role  string `json:"role"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// ActorFromContext returns the authenticated actor stored by AuthMiddleware.
func ActorFromContext(ctx context.Context) (policy.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(policy.Actor)
	return actor, ok
}

// AuthMiddleware verifies the bearer token and stores the resulting actor in
// the request context. Only HMAC-signed tokens are accepted; an unexpected
// signing method is rejected outright.
func AuthMiddleware(signingKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := actorFromRequest(r, signingKey)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromRequest(r *http.Request, signingKey []byte) (policy.Actor, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return policy.Actor{}, fmt.Errorf("missing bearer token")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil || !token.Valid {
		return policy.Actor{}, fmt.Errorf("invalid token: %w", err)
	}

	return policy.Actor{
		Role:       policy.Role(claims.Role),
		Identity:   claims.Subject,
		SubjectRef: custody.NormalizeSubjectRef(claims.Phone),
	}, nil
}
