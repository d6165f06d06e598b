/**
 * @description
 * This file contains custom middleware for the HTTP router. The identity middleware
 * trusts a short-lived HS256 token minted by the forum's auth layer: `sub` is the
 * user id and `role` the privilege level. The ledger never logs users in itself.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token verification.
 * - github.com/go-chi/chi/v5: Route patterns for request logs and metrics.
 * - go.uber.org/zap: Request logging.
 */

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/metrics"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const actorContextKey contextKey = "actor"

// AuthConfig holds the shared secret used to verify caller tokens.
type AuthConfig struct {
	Secret string
	Issuer string
}

type identityClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IdentityMiddleware validates the Bearer token and stores the caller in the request context.
func IdentityMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			var claims identityClaims
			token, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
				return []byte(cfg.Secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid subject claim")
				return
			}
			role, ok := parseRole(claims.Role)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Invalid role claim")
				return
			}

			actor := domain.Actor{UserID: userID, Role: role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorContextKey, actor)))
		})
	}
}

func parseRole(raw string) (domain.Role, bool) {
	switch domain.Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "", domain.RoleUser:
		return domain.RoleUser, true
	case domain.RoleModerator:
		return domain.RoleModerator, true
	case domain.RoleAdmin:
		return domain.RoleAdmin, true
	default:
		return "", false
	}
}

// RequireRole rejects callers whose role differs from role.
func RequireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if actor.Role != role {
				writeError(w, http.StatusForbidden, "Insufficient privileges")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext retrieves the authenticated caller from the context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}

// RequestLogger logs each request once it completes and records HTTP metrics
// by route pattern so that ids in paths do not explode label cardinality.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("request completed", fields...)
				return
			}
			logger.Debug("request completed", fields...)
		})
	}
}
