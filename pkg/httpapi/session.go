package httpapi

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/snatchd/snatchd/pkg/types"
)

const sessionCookie = "snatchd_session"

// sessionStore maps opaque cookie tokens to the selected profile alias.
// Sessions are process-local; a restart simply requires re-selecting the
// account.
type sessionStore struct {
	mu sync.RWMutex
	m  map[string]string
}

func newSessionStore() *sessionStore {
	return &sessionStore{m: make(map[string]string)}
}

func (s *sessionStore) open(alias string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.m[token] = alias
	s.mu.Unlock()
	return token
}

func (s *sessionStore) close(token string) {
	s.mu.Lock()
	delete(s.m, token)
	s.mu.Unlock()
}

// aliasFor resolves the request's session cookie to an alias, or "".
func (s *sessionStore) aliasFor(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[cookie.Value]
}

// handleOpenSession validates the profile's credentials and binds the
// session to it. An unknown alias surfaces as 400, a validation timeout as
// 504, a credential rejection as 401.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Alias string `json:"alias"`
	}
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	profile, err := s.profiles.Get(body.Alias)
	if err != nil {
		s.respondError(w, r, &types.ValidationError{Msg: fmt.Sprintf("unknown account alias %q", body.Alias)})
		return
	}

	if err := s.cloud.Validate(r.Context(), profile); err != nil {
		s.respondError(w, r, err)
		return
	}

	token := s.sessions.open(body.Alias)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	msg := fmt.Sprintf("connected, current account: %s", body.Alias)
	if profile.Proxy != "" {
		msg += fmt.Sprintf(" (via proxy %s)", profile.Proxy)
	}
	s.respond(w, http.StatusOK, map[string]any{
		"success":    true,
		"alias":      body.Alias,
		"can_create": profile.DefaultSSHPublicKey != "",
		"message":    msg,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	alias := s.sessions.aliasFor(r)
	if alias == "" {
		s.respond(w, http.StatusOK, map[string]any{"logged_in": false})
		return
	}
	canCreate := false
	if profile, err := s.profiles.Get(alias); err == nil {
		canCreate = profile.DefaultSSHPublicKey != ""
	}
	s.respond(w, http.StatusOK, map[string]any{"logged_in": true, "alias": alias, "can_create": canCreate})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.close(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

// requestAlias resolves the acting profile alias: the {alias} path
// parameter when present, else the session's selection.
func (s *Server) requestAlias(r *http.Request) (string, error) {
	if alias := pathParam(r, "alias"); alias != "" {
		return alias, nil
	}
	if alias := s.sessions.aliasFor(r); alias != "" {
		return alias, nil
	}
	return "", &types.ValidationError{Msg: "no account selected: open a session or address /{alias}/... directly"}
}
