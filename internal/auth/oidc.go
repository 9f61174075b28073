package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	callbackPath = "/auth/callback"
	loginPath    = "/auth/login"
	logoutPath   = "/auth/logout"
	landingPath  = "/v1/databases"
)

// Identity is what a verified ID token says about the caller.
type Identity struct {
	Actor  string
	Groups []string
}

// LoginFunc runs once per successful login, before the session starts. A
// non-nil error aborts the login.
type LoginFunc func(ctx context.Context, id Identity) error

type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// GroupsClaim names the claim carrying the caller's groups; empty
	// ignores groups.
	GroupsClaim string
}

// OIDC authenticates API callers with an OpenID Connect provider. The ID
// token subject becomes the actor.
type OIDC struct {
	provider    *baseliboidc.OidcConfiguration
	sessions    *Sessions
	groupsClaim string
	onLogin     LoginFunc
}

func NewOIDC(cfg OIDCConfig, s *Sessions, onLogin LoginFunc) (*OIDC, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	return &OIDC{
		provider:    baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL),
		sessions:    s,
		groupsClaim: cfg.GroupsClaim,
		onLogin:     onLogin,
	}, nil
}

// Handler serves the login routes and puts api behind the provider. Health
// checks and the callback itself stay reachable without a session.
func (o *OIDC) Handler(api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(callbackPath, o.provider.CreateOidcCallbackHandler(
		baseliboidc.CreateSTDSessionBasedOidcDelegate(o.handleIDToken, landingPath)))
	mux.Handle(loginPath, http.RedirectHandler(landingPath, http.StatusFound))
	mux.Handle(logoutPath, o.logoutHandler())
	mux.Handle("/", o.sessions.Middleware(api))
	return o.provider.CreateOidcAuthenticationMiddleware(o.authenticated, public)(mux)
}

func public(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == callbackPath
}

func (o *OIDC) authenticated(r *http.Request) bool {
	_, ok := o.sessions.Actor(r)
	return ok
}

func (o *OIDC) logoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := o.sessions.End(w, r); err != nil {
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (o *OIDC) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return err
	}
	id, err := identityFromClaims(claims, o.groupsClaim)
	if err != nil {
		return err
	}
	return o.establish(w, r, id)
}

// establish runs the login hook and then starts the session.
func (o *OIDC) establish(w http.ResponseWriter, r *http.Request, id Identity) error {
	if o.onLogin != nil {
		if err := o.onLogin(r.Context(), id); err != nil {
			return fmt.Errorf("login of %s: %w", id.Actor, err)
		}
	}
	return o.sessions.Start(w, r, id.Actor)
}

// identityFromClaims reads the subject and, when groupsClaim is set, the
// groups claim as either a list or a single string.
func identityFromClaims(claims map[string]any, groupsClaim string) (Identity, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, errors.New("id token missing sub claim")
	}
	id := Identity{Actor: sub}
	if groupsClaim == "" {
		return id, nil
	}
	var names []string
	switch v := claims[groupsClaim].(type) {
	case nil:
	case string:
		names = []string{v}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return Identity{}, fmt.Errorf("claim %q holds a non-string group", groupsClaim)
			}
			names = append(names, s)
		}
	default:
		return Identity{}, fmt.Errorf("claim %q is not a group list", groupsClaim)
	}
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			id.Groups = append(id.Groups, name)
		}
	}
	slices.Sort(id.Groups)
	id.Groups = slices.Compact(id.Groups)
	return id, nil
}
