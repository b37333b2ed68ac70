package guard

import (
	"context"
	"errors"
	"net/http"
)

type contextKey string

const sessionContextKey contextKey = "guard.session"

// RequireSession provides authentication middleware for HTTP handlers.
// It resumes and validates the caller's session, writes a renewed
// identifier back to the cookie, and rejects the request with 401 when
// no valid session accompanies it.
func (a *AuthService) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := a.sessionIDFromRequest(r)
		if sessionID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		sctx, err := a.sessions.Resume(sessionID, extractIP(r), r.UserAgent())
		switch {
		case err == nil:
		case errors.Is(err, ErrStoreUnavailable):
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		default:
			a.clearSessionCookie(w)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if sctx.SessionID != sessionID {
			a.setSessionCookie(w, sctx.SessionID, int(a.securityConfig.SessionLifetime.Seconds()))
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, sctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFromContext retrieves the validated session from the request
// context, or nil outside RequireSession
func SessionFromContext(r *http.Request) *SessionContext {
	if sctx, ok := r.Context().Value(sessionContextKey).(*SessionContext); ok {
		return sctx
	}
	return nil
}
