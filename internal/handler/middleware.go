package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"credguard/internal/models"
	"credguard/internal/service"
	"credguard/internal/session"
	"credguard/internal/util"
)

type ctxKey int

const sessionKey ctxKey = iota

func sessionFrom(ctx context.Context) *models.Session {
	sess, _ := ctx.Value(sessionKey).(*models.Session)
	return sess
}

func (h *AuthHandler) sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if c, err := r.Cookie(h.cookieName); err == nil {
		return c.Value
	}
	return ""
}

// loadSession attaches the caller's live session, if any. An invalid or
// expired token is treated as no session.
func (h *AuthHandler) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.sessionToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := h.sessions.Resolve(r.Context(), token)
		switch {
		case err == nil:
			r = r.WithContext(context.WithValue(r.Context(), sessionKey, sess))
		case errors.Is(err, session.ErrSessionInvalid):
			h.logger.Debug("Ignoring invalid session token", util.String("path", r.URL.Path))
		default:
			h.writeError(w, r, &service.StoreError{Op: "resolve_session", Err: err})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCsrf checks the token header on unsafe methods against the
// caller's session. A request with no session always fails.
func (h *AuthHandler) requireCsrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}

		var sessionID string
		if sess := sessionFrom(r.Context()); sess != nil {
			sessionID = sess.SessionID
		}
		if err := h.auth.ValidateCsrfToken(r.Context(), sessionID, r.Header.Get(h.csrfHeader)); err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AuthHandler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		if sess == nil || sess.Anonymous() {
			h.writeError(w, r, session.ErrSessionInvalid)
			return
		}
		next.ServeHTTP(w, r)
	})
}
