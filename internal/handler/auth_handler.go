package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"credguard/internal/config"
	"credguard/internal/models"
	"credguard/internal/service"
	"credguard/internal/session"
	"credguard/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

// AuthHandler serves registration, login and the credential lifecycle.
type AuthHandler struct {
	auth         *service.CredentialAuthenticator
	sessions     *session.Manager
	cookieName   string
	csrfHeader   string
	secureCookie bool
	logger       *zap.Logger
}

func NewAuthHandler(auth *service.CredentialAuthenticator, sessions *session.Manager, cfg *config.Config, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:         auth,
		sessions:     sessions,
		cookieName:   cfg.Session.CookieName,
		csrfHeader:   cfg.CSRF.HeaderName,
		secureCookie: cfg.IsProduction() || cfg.Server.EnableTLS,
		logger:       logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type sessionData struct {
	SessionToken string             `json:"session_token,omitempty"`
	CsrfToken    string             `json:"csrf_token"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Credential   *models.Credential `json:"credential,omitempty"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type scoreRequest struct {
	Password   string   `json:"password"`
	UserInputs []string `json:"user_inputs"`
}

type scoreResponse struct {
	Strength any `json:"strength"`
	Policy   any `json:"policy"`
}

type admissionResponse struct {
	Admitted          bool             `json:"admitted"`
	CurrentCount      int              `json:"current_count"`
	State             models.LockState `json:"state"`
	RetryAfterSeconds int              `json:"retry_after_seconds"`
}

// RegisterRoutes mounts everything under /auth.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Use(h.loadSession)

		r.Get("/csrf", h.CsrfToken)
		r.Get("/admission", h.Admission)
		r.Post("/password/score", h.ScorePassword)

		r.Group(func(r chi.Router) {
			r.Use(h.requireCsrf)
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)

			r.Group(func(r chi.Router) {
				r.Use(h.requireAuth)
				r.Post("/password", h.ChangePassword)
				r.Delete("/account", h.DeleteAccount)
				r.Post("/benchmark", h.Benchmark)
			})
		})
	})
}

// CsrfToken issues a token for the caller's session, creating an
// anonymous session first when there is none.
func (h *AuthHandler) CsrfToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess := sessionFrom(ctx)
	var fresh string
	if sess == nil {
		issued, err := h.sessions.Create(ctx, "", clientIP(r))
		if err != nil {
			h.writeError(w, r, &service.StoreError{Op: "create_session", Err: err})
			return
		}
		h.setSessionCookie(w, issued)
		sess, fresh = issued.Session, issued.Token
	}

	token, err := h.auth.IssueCsrfToken(ctx, sess.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, Response{
		Success: true,
		Data:    sessionData{SessionToken: fresh, CsrfToken: token, ExpiresAt: sess.ExpiresAt},
	})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	cred, err := h.auth.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, Response{Success: true, Data: cred, Message: "Account created"})
}

// Login replaces whatever session the caller had with a new one bound to
// the credential, so a pre-login session id never becomes authenticated.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req service.LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.SourceIP = clientIP(r)

	cred, err := h.auth.Authenticate(ctx, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if prev := sessionFrom(ctx); prev != nil {
		if err := h.sessions.Destroy(ctx, prev.SessionID); err != nil {
			h.logger.Warn("Failed to destroy pre-login session", util.ErrorField(err))
		}
	}

	issued, err := h.sessions.Create(ctx, cred.ID, req.SourceIP)
	if err != nil {
		h.writeError(w, r, &service.StoreError{Op: "create_session", Err: err})
		return
	}
	token, err := h.auth.IssueCsrfToken(ctx, issued.Session.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, issued)
	writeJSON(w, h.logger, http.StatusOK, Response{
		Success: true,
		Data: sessionData{
			SessionToken: issued.Token,
			CsrfToken:    token,
			ExpiresAt:    issued.Session.ExpiresAt,
			Credential:   cred,
		},
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sess := sessionFrom(r.Context()); sess != nil {
		if err := h.sessions.Destroy(r.Context(), sess.SessionID); err != nil {
			h.writeError(w, r, &service.StoreError{Op: "destroy_session", Err: err})
			return
		}
	}
	h.clearSessionCookie(w)
	writeJSON(w, h.logger, http.StatusOK, Response{Success: true, Message: "Logged out"})
}

// ChangePassword keeps the caller's session and revokes every other one.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFrom(ctx)

	var req service.ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CredentialID = sess.CredentialID

	if err := h.auth.ChangePassword(ctx, req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if _, err := h.sessions.DestroyAllFor(ctx, sess.CredentialID, sess.SessionID); err != nil {
		h.logger.Error("Failed to revoke sessions after password change",
			util.String("credential_id", sess.CredentialID), util.ErrorField(err))
	}

	writeJSON(w, h.logger, http.StatusOK, Response{Success: true, Message: "Password changed"})
}

func (h *AuthHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := sessionFrom(ctx)

	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.auth.DeleteAccount(ctx, sess.CredentialID, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}

	if _, err := h.sessions.DestroyAllFor(ctx, sess.CredentialID, ""); err != nil {
		h.logger.Error("Failed to revoke sessions after account deletion",
			util.String("credential_id", sess.CredentialID), util.ErrorField(err))
	}

	h.clearSessionCookie(w)
	writeJSON(w, h.logger, http.StatusOK, Response{Success: true, Message: "Account deleted"})
}

func (h *AuthHandler) ScorePassword(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Password == "" {
		h.writeError(w, r, &service.ValidationError{Errors: []string{"password is required"}})
		return
	}

	writeJSON(w, h.logger, http.StatusOK, Response{
		Success: true,
		Data: scoreResponse{
			Strength: h.auth.ScorePassword(req.Password, req.UserInputs...),
			Policy:   h.auth.ValidatePassword(req.Password),
		},
	})
}

func (h *AuthHandler) Admission(w http.ResponseWriter, r *http.Request) {
	adm, err := h.auth.CheckAdmission(r.Context(), clientIP(r), r.URL.Query().Get("identity"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, Response{
		Success: true,
		Data: admissionResponse{
			Admitted:          adm.Admitted,
			CurrentCount:      adm.CurrentCount,
			State:             adm.State,
			RetryAfterSeconds: retryAfterSeconds(adm.RetryAfter),
		},
	})
}

// Benchmark runs the dual-hash comparison on a caller-supplied password.
// Encodings are stripped from the response.
func (h *AuthHandler) Benchmark(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := h.auth.Benchmark(r.Context(), sess.CredentialID, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := *record
	out.Bcrypt.Encoding = ""
	out.Argon2id.Encoding = ""
	writeJSON(w, h.logger, http.StatusOK, Response{
		Success: true,
		Data: map[string]any{
			"record": out,
			"faster": out.FasterAlgorithm(),
		},
	})
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, &service.ValidationError{Errors: []string{"invalid request body"}})
		return false
	}
	return true
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, issued *session.Issued) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    issued.Token,
		Path:     "/",
		Expires:  issued.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeError sends only the stable code and a generic message; the cause
// goes to the log.
func (h *AuthHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := http.StatusUnauthorized, "SESSION_INVALID", "Sign in to continue"
	if !errors.Is(err, session.ErrSessionInvalid) {
		status, code, message = service.HTTPStatus(err), service.Code(err), service.PublicMessage(err)
	}

	var tooMany *service.TooManyAttemptsError
	if errors.As(err, &tooMany) {
		w.Header().Set("Retry-After", strconv.Itoa(max(1, retryAfterSeconds(tooMany.RetryAfter))))
	}

	fields := []zap.Field{
		util.String("path", r.URL.Path),
		util.String("code", code),
		util.Int("status_code", status),
		util.ErrorField(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", fields...)
	} else {
		h.logger.Info("HTTP error response", fields...)
	}

	writeJSON(w, h.logger, status, Response{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
