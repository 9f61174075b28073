// Package auth resolves the actor a request acts as, from an OIDC login
// session or, in development, from configuration.
package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const actorContextKey contextKey = "auth.actor"

// ActorHeader lets development clients pick the acting actor per request.
const ActorHeader = "X-Actor"

// ActorFromContext returns the acting actor; requests without one act
// anonymously and only pass "other" permission bits.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorContextKey).(string)
	if !ok || actor == "" {
		return "", false
	}
	return actor, true
}

func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// DevActorMiddleware skips OIDC: requests act as the X-Actor header when
// present and as actor otherwise.
func DevActorMiddleware(actor string) func(http.Handler) http.Handler {
	if actor == "" {
		actor = "dev-actor"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current := actor
			if h := strings.TrimSpace(r.Header.Get(ActorHeader)); h != "" {
				current = h
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), current)))
		})
	}
}
