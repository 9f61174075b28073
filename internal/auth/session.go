package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/gorilla/sessions"
)

const sessionActorKey = "actor"

// Sessions keeps the logged-in actor in an encrypted cookie.
type Sessions struct {
	store   *sessions.CookieStore
	options sessions.Options
}

// SessionConfig configures the session cookie. An empty Key generates a
// random one, which logs everybody out on restart.
type SessionConfig struct {
	Key    string
	TTL    time.Duration
	Secure bool
	Domain string
}

func NewSessions(cfg SessionConfig) (*Sessions, error) {
	master, err := sessionKey(cfg.Key)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	s := &Sessions{
		store: sessions.NewCookieStore(derive(master, "auth"), derive(master, "enc")),
		options: sessions.Options{
			Path:     "/",
			MaxAge:   int(ttl.Seconds()),
			HttpOnly: true,
			Secure:   cfg.Secure,
			SameSite: http.SameSiteLaxMode,
			Domain:   cfg.Domain,
		},
	}
	s.store.Options = &s.options
	s.store.MaxAge(s.options.MaxAge)
	return s, nil
}

// Actor returns the actor of r's session.
func (s *Sessions) Actor(r *http.Request) (string, bool) {
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return "", false
	}
	actor, ok := session.Values[sessionActorKey].(string)
	return actor, ok && actor != ""
}

// Start binds actor to the session cookie written to w.
func (s *Sessions) Start(w http.ResponseWriter, r *http.Request, actor string) error {
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil && session == nil {
		return err
	}
	opts := s.options
	session.Options = &opts
	session.Values[sessionActorKey] = actor
	return session.Save(r, w)
}

// End expires the session cookie.
func (s *Sessions) End(w http.ResponseWriter, r *http.Request) error {
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil && session == nil {
		return err
	}
	opts := s.options
	opts.MaxAge = -1
	session.Options = &opts
	delete(session.Values, sessionActorKey)
	return session.Save(r, w)
}

// Middleware stores the session's actor in the request context. Requests
// without a session pass through anonymously.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, ok := s.Actor(r); ok {
			r = r.WithContext(ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// sessionKey accepts base64 of at least 32 bytes or a raw secret of at least
// 32 characters.
func sessionKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(decoded) < 32 {
			return nil, errors.New("session key must decode to at least 32 bytes")
		}
		return decoded, nil
	}
	if len(raw) < 32 {
		return nil, errors.New("session key must be at least 32 characters or base64")
	}
	return []byte(raw), nil
}

// derive splits the master key into the cookie's signing and encryption keys.
func derive(master []byte, purpose string) []byte {
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte(purpose))
	return mac.Sum(nil)
}
