package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"handoff/internal/domain"
)

// AuthConfig controls actor identity extraction. Identity names who did
// something for the audit trail; there is no authorization layer, any
// identified actor may perform any operation.
type AuthConfig struct {
	JWTSecret string
}

type actorKey struct{}

func withActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if a, ok := ctx.Value(actorKey{}).(domain.Actor); ok && a.ID != "" {
		return a, nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "actor identity required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	ActorType string `json:"actor_type,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
}

func actorFromJWT(token, secret string) (domain.Actor, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Actor{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Actor{}, err
	}
	if !parsed.Valid {
		return domain.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return domain.Actor{}, errors.New("subject claim required")
	}
	return domain.Actor{
		Type: normalizeActorType(claims.ActorType),
		ID:   claims.Subject,
		Name: claims.ActorName,
	}, nil
}

func actorFromHeaders(r *http.Request) (domain.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
	if id == "" {
		return domain.Actor{}, false
	}
	return domain.Actor{
		Type: normalizeActorType(r.Header.Get("X-Actor-Type")),
		ID:   id,
		Name: strings.TrimSpace(r.Header.Get("X-Actor-Name")),
	}, true
}

func normalizeActorType(t string) string {
	switch strings.TrimSpace(t) {
	case domain.ActorHuman, domain.ActorAgent, domain.ActorSystem:
		return strings.TrimSpace(t)
	}
	return domain.ActorAgent
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newActorMiddleware resolves the acting identity from a bearer JWT or the
// X-Actor-* headers and stores it on the request context. Requests with no
// identity pass through; handlers that record an actor reject them.
func newActorMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				actor, err := actorFromJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
				return
			}
			if actor, ok := actorFromHeaders(req); ok {
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
