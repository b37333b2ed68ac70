package guard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/wispberry-tech/wispy-guard/storage"
)

// Request and Response Types

// LoginRequest represents a login form submission
type LoginRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=50"`
	Password  string `json:"password" validate:"required"`
	CSRFToken string `json:"csrf_token" validate:"required"`
}

// LoginResponse represents the response for a login attempt
type LoginResponse struct {
	User             *storage.User `json:"user,omitempty"`       // Authenticated user information
	SessionExpiresAt time.Time     `json:"session_expires_at"`   // When the session expires
	StatusCode       int           `json:"-"`                    // HTTP status code (not serialized)
	Error            string        `json:"error,omitempty"`      // Error message if any
	RetryAfter       int           `json:"retry_after,omitempty"` // Seconds until the client may retry
}

// CSRFTokenResponse carries a freshly issued CSRF token
type CSRFTokenResponse struct {
	Token      string `json:"csrf_token"`
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
}

// LogoutResponse represents the response for user logout
type LogoutResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
}

// CheckAuthResponse reports whether the request carries a valid session
type CheckAuthResponse struct {
	Authenticated bool          `json:"authenticated"`
	User          *storage.User `json:"user,omitempty"`
	StatusCode    int           `json:"-"`
	Error         string        `json:"error,omitempty"`
}

// ChangePasswordRequest carries a password change submission
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
	CSRFToken       string `json:"csrf_token" validate:"required"`
}

// ChangePasswordResponse represents the response for a password change
type ChangePasswordResponse struct {
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"-"`
	Error      string `json:"error,omitempty"`
}

// SessionInfo is the client-visible view of one active session
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	IPAddress    string    `json:"ip_address"`
	Browser      string    `json:"browser"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Current      bool      `json:"current"`
}

// SessionsResponse represents the response for session listing
type SessionsResponse struct {
	Sessions   []SessionInfo `json:"sessions"`
	StatusCode int           `json:"-"`
	Error      string        `json:"error,omitempty"`
}

// RevokeSessionRequest names one of the caller's sessions to destroy
type RevokeSessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	CSRFToken string `json:"csrf_token" validate:"required"`
}

// Cookie helpers

// setSessionCookie writes the session identifier cookie. SameSite is
// always Strict so the cookie never rides on cross-site requests.
func (a *AuthService) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.securityConfig.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.securityConfig.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearSessionCookie expires the session identifier cookie
func (a *AuthService) clearSessionCookie(w http.ResponseWriter) {
	a.setSessionCookie(w, "", -1)
}

// sessionIDFromRequest reads the session identifier cookie, if present
func (a *AuthService) sessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(a.securityConfig.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// clientContext returns the identifier that binds CSRF tokens to this
// client. An existing session cookie is reused; otherwise a fresh
// anonymous identifier is generated and set as the cookie. The
// anonymous identifier never becomes a session: login always creates a
// new one.
func (a *AuthService) clientContext(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := a.sessionIDFromRequest(r); id != "" {
		return id, nil
	}

	id, err := generateSessionID()
	if err != nil {
		return "", err
	}
	a.setSessionCookie(w, id, int(a.securityConfig.SessionLifetime.Seconds()))
	return id, nil
}

// Handlers

// CSRFTokenHandler issues a CSRF token bound to the client's context,
// replacing any previously issued token for that context
func (a *AuthService) CSRFTokenHandler(w http.ResponseWriter, r *http.Request) CSRFTokenResponse {
	contextID, err := a.clientContext(w, r)
	if err != nil {
		slog.Error("Failed to establish client context", "error", err)
		return CSRFTokenResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	token, err := a.csrf.Issue(contextID)
	if err != nil {
		slog.Error("Failed to issue CSRF token", "error", err)
		return CSRFTokenResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	return CSRFTokenResponse{Token: token, StatusCode: http.StatusOK}
}

// LoginHandler processes a login attempt. Checks run in a fixed order:
// request format, CSRF token, rate limit, credentials, lockout. On
// success the anonymous context is discarded and a brand-new session
// identifier is set, so an identifier planted before authentication
// never names an authenticated session.
func (a *AuthService) LoginHandler(w http.ResponseWriter, r *http.Request) LoginResponse {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Failed to decode login request", "error", err)
		return LoginResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}

	if err := a.validator.Struct(req); err != nil {
		slog.Debug("Login validation failed", "error", err)
		return LoginResponse{StatusCode: http.StatusBadRequest, Error: formatValidationErrors(err)}
	}

	ip := extractIP(r)
	userAgent := r.UserAgent()

	contextID := a.sessionIDFromRequest(r)
	if !a.csrf.Validate(contextID, req.CSRFToken) {
		a.logSecurityEvent(nil, EventCSRFInvalid, "login with missing or invalid CSRF token", ip, userAgent)
		return LoginResponse{StatusCode: http.StatusForbidden, Error: "Invalid security token"}
	}

	sctx, err := a.Login(req.Username, req.Password, ip, userAgent)
	if err != nil {
		return a.loginErrorResponse(err)
	}

	// The pre-login context and its CSRF binding are dead now
	a.csrf.Revoke(contextID)

	user, err := a.GetUser(sctx.UserID)
	if err != nil {
		slog.Error("Failed to load user after login", "user_id", sctx.UserID, "error", err)
		return LoginResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	a.setSessionCookie(w, sctx.SessionID, int(a.securityConfig.SessionLifetime.Seconds()))

	return LoginResponse{
		User:             user,
		SessionExpiresAt: sctx.SessionStart.Add(a.securityConfig.SessionLifetime),
		StatusCode:       http.StatusOK,
	}
}

// loginErrorResponse maps authentication failures to HTTP responses.
// Unknown users, wrong passwords and disabled accounts all produce the
// same body.
func (a *AuthService) loginErrorResponse(err error) LoginResponse {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return LoginResponse{StatusCode: http.StatusBadRequest, Error: "Invalid username or password format"}
	case errors.Is(err, ErrRateLimited):
		return LoginResponse{
			StatusCode: http.StatusTooManyRequests,
			Error:      "Too many login attempts, please try again later",
			RetryAfter: int(a.securityConfig.LoginRateWindow.Seconds()),
		}
	case errors.Is(err, ErrAccountLocked):
		return LoginResponse{StatusCode: http.StatusLocked, Error: "Account temporarily locked"}
	case errors.Is(err, ErrInvalidCredentials):
		return LoginResponse{StatusCode: http.StatusUnauthorized, Error: "Invalid credentials"}
	default:
		return LoginResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}
}

// LogoutHandler destroys the caller's session and clears the cookie.
// Logging out without a valid session still succeeds.
func (a *AuthService) LogoutHandler(w http.ResponseWriter, r *http.Request) LogoutResponse {
	ip := extractIP(r)
	userAgent := r.UserAgent()

	if sessionID := a.sessionIDFromRequest(r); sessionID != "" {
		sctx, err := a.sessions.Resume(sessionID, ip, userAgent)
		if err == nil {
			a.sessions.DestroySession(sctx)
		}
	}

	a.clearSessionCookie(w)
	return LogoutResponse{Message: "Logged out successfully", StatusCode: http.StatusOK}
}

// CheckAuthHandler reports whether the request carries a valid session.
// A renewed session identifier is written back to the cookie.
func (a *AuthService) CheckAuthHandler(w http.ResponseWriter, r *http.Request) CheckAuthResponse {
	sctx, resp := a.requireSession(w, r)
	if sctx == nil {
		return CheckAuthResponse{Authenticated: false, StatusCode: resp.StatusCode, Error: resp.Error}
	}

	user, err := a.GetUser(sctx.UserID)
	if err != nil {
		return CheckAuthResponse{Authenticated: false, StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	return CheckAuthResponse{Authenticated: true, User: user, StatusCode: http.StatusOK}
}

// ChangePasswordHandler changes the caller's password after verifying
// the current one, then destroys all of the user's sessions. The caller
// must log in again.
func (a *AuthService) ChangePasswordHandler(w http.ResponseWriter, r *http.Request) ChangePasswordResponse {
	sctx, resp := a.requireSession(w, r)
	if sctx == nil {
		return ChangePasswordResponse{StatusCode: resp.StatusCode, Error: resp.Error}
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ChangePasswordResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	if err := a.validator.Struct(req); err != nil {
		return ChangePasswordResponse{StatusCode: http.StatusBadRequest, Error: formatValidationErrors(err)}
	}

	ip := extractIP(r)
	userAgent := r.UserAgent()

	// Tokens are bound to the identifier the client presented; the
	// session may have rotated during requireSession
	if !a.csrf.Validate(a.sessionIDFromRequest(r), req.CSRFToken) {
		a.logSecurityEvent(&sctx.UserID, EventCSRFInvalid, "password change with invalid CSRF token", ip, userAgent)
		return ChangePasswordResponse{StatusCode: http.StatusForbidden, Error: "Invalid security token"}
	}

	err := a.ChangePassword(sctx.UserID, req.CurrentPassword, req.NewPassword, ip, userAgent)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCredentials):
		return ChangePasswordResponse{StatusCode: http.StatusUnauthorized, Error: "Current password is incorrect"}
	case errors.Is(err, ErrInvalidInput):
		return ChangePasswordResponse{StatusCode: http.StatusBadRequest, Error: err.Error()}
	default:
		return ChangePasswordResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	a.clearSessionCookie(w)
	return ChangePasswordResponse{
		Message:    "Password changed, please log in again",
		StatusCode: http.StatusOK,
	}
}

// ActiveSessionsHandler lists the caller's active sessions, most
// recently active first, marking the current one
func (a *AuthService) ActiveSessionsHandler(w http.ResponseWriter, r *http.Request) SessionsResponse {
	sctx, resp := a.requireSession(w, r)
	if sctx == nil {
		return SessionsResponse{StatusCode: resp.StatusCode, Error: resp.Error}
	}

	sessions, err := a.sessions.ActiveSessions(sctx.UserID)
	if err != nil {
		return SessionsResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			SessionID:    s.ID,
			IPAddress:    s.IPAddress,
			Browser:      friendlyUserAgent(s.UserAgent),
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			Current:      s.ID == sctx.SessionID,
		})
	}

	return SessionsResponse{Sessions: infos, StatusCode: http.StatusOK}
}

// RevokeSessionHandler destroys one of the caller's other sessions by
// identifier. Revoking the current session is a logout; use
// LogoutHandler so the cookie is cleared too.
func (a *AuthService) RevokeSessionHandler(w http.ResponseWriter, r *http.Request) LogoutResponse {
	sctx, resp := a.requireSession(w, r)
	if sctx == nil {
		return LogoutResponse{StatusCode: resp.StatusCode, Error: resp.Error}
	}

	var req RevokeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return LogoutResponse{StatusCode: http.StatusBadRequest, Error: "Invalid request format"}
	}
	if err := a.validator.Struct(req); err != nil {
		return LogoutResponse{StatusCode: http.StatusBadRequest, Error: formatValidationErrors(err)}
	}

	if !a.csrf.Validate(a.sessionIDFromRequest(r), req.CSRFToken) {
		ip := extractIP(r)
		a.logSecurityEvent(&sctx.UserID, EventCSRFInvalid, "session revocation with invalid CSRF token", ip, r.UserAgent())
		return LogoutResponse{StatusCode: http.StatusForbidden, Error: "Invalid security token"}
	}

	err := a.sessions.DestroySpecificSession(sctx.UserID, req.SessionID)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionNotFound):
		return LogoutResponse{StatusCode: http.StatusNotFound, Error: "Session not found"}
	default:
		return LogoutResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	if req.SessionID == sctx.SessionID {
		a.clearSessionCookie(w)
	}
	return LogoutResponse{Message: "Session revoked", StatusCode: http.StatusOK}
}

// requireSession resumes and validates the caller's session, writing a
// renewed identifier back to the cookie. On failure it returns a nil
// context plus the response the handler should surface.
func (a *AuthService) requireSession(w http.ResponseWriter, r *http.Request) (*SessionContext, LogoutResponse) {
	sessionID := a.sessionIDFromRequest(r)
	if sessionID == "" {
		return nil, LogoutResponse{StatusCode: http.StatusUnauthorized, Error: "Not authenticated"}
	}

	ip := extractIP(r)
	sctx, err := a.sessions.Resume(sessionID, ip, r.UserAgent())
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		a.clearSessionCookie(w)
		return nil, LogoutResponse{StatusCode: http.StatusUnauthorized, Error: "Session expired"}
	case errors.Is(err, ErrHijackDetected):
		a.clearSessionCookie(w)
		return nil, LogoutResponse{StatusCode: http.StatusUnauthorized, Error: "Session terminated"}
	default:
		return nil, LogoutResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	if sctx.SessionID != sessionID {
		a.setSessionCookie(w, sctx.SessionID, int(a.securityConfig.SessionLifetime.Seconds()))
	}
	return sctx, LogoutResponse{}
}
