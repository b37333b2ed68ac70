package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/wispberry-tech/wispy-guard/storage"
)

// SessionContext carries the per-request session state that older
// designs kept in an ambient global. It is passed into every session
// operation explicitly and mutated in place; the persisted row remains
// the source of truth shared across handlers.
type SessionContext struct {
	SessionID    string
	UserID       uint
	Username     string
	RoleID       uint
	SessionStart time.Time
	LastActivity time.Time
	IPAddress    string
	UserAgent    string
}

// clear resets all local session state
func (c *SessionContext) clear() {
	*c = SessionContext{}
}

// SessionManager creates, validates, renews and destroys persisted
// sessions, and detects session hijacking.
//
// Session states move Anonymous -> Authenticated -> (Renewed)* and end
// in exactly one of Expired, Destroyed or HijackDetected; a terminated
// session is never revived, a fresh one must be created.
type SessionManager struct {
	storage storage.Interface
	config  SecurityConfig
}

// NewSessionManager creates a session manager. Construction has a small
// configured probability of sweeping expired persisted rows, amortizing
// cleanup cost without a dedicated scheduler; RunCleanupLoop offers a
// deterministic alternative.
func NewSessionManager(store storage.Interface, config SecurityConfig) *SessionManager {
	m := &SessionManager{storage: store, config: config}

	if config.CleanupProbability > 0 && rand.IntN(100) < config.CleanupProbability {
		m.sweepExpired()
	}

	return m
}

// sweepExpired removes expired persisted session rows
func (m *SessionManager) sweepExpired() {
	if removed, err := m.storage.CleanupExpiredSessions(); err != nil {
		slog.Error("Failed to sweep expired sessions", "error", err)
	} else if removed > 0 {
		slog.Info("Swept expired sessions", "removed", removed)
	}
}

// CreateSession establishes a new authenticated session for the user.
// The identifier is always freshly generated, never carried over from
// any pre-authentication identifier - the defense against session
// fixation. Failure is reported to the caller, never swallowed.
func (m *SessionManager) CreateSession(user *storage.User, ip, userAgent string) (*SessionContext, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &storage.Session{
		ID:        sessionID,
		UserID:    user.ID,
		IPAddress: ip,
		UserAgent: userAgent,
		ExpiresAt: now.Add(m.config.SessionLifetime),
	}

	if err := m.storage.CreateSession(session); err != nil {
		slog.Error("Failed to persist session", "user_id", user.ID, "error", err)
		return nil, ErrStoreUnavailable
	}

	return &SessionContext{
		SessionID:    sessionID,
		UserID:       user.ID,
		Username:     user.Username,
		RoleID:       user.RoleID,
		SessionStart: now,
		LastActivity: now,
		IPAddress:    ip,
		UserAgent:    userAgent,
	}, nil
}

// Resume reconstructs a SessionContext from the persisted row for the
// given identifier and validates it against the current request. It is
// the entry point for each authenticated request.
func (m *SessionManager) Resume(sessionID, ip, userAgent string) (*SessionContext, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := m.storage.GetSession(sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("Failed to load session", "error", err)
		return nil, ErrStoreUnavailable
	}

	sctx := &SessionContext{
		SessionID:    session.ID,
		UserID:       session.UserID,
		SessionStart: session.CreatedAt,
		LastActivity: session.LastActivity,
		IPAddress:    session.IPAddress,
		UserAgent:    session.UserAgent,
	}

	if err := m.ValidateAndRenew(sctx, ip, userAgent); err != nil {
		return nil, err
	}
	return sctx, nil
}

// ValidateAndRenew gates every authenticated request. It verifies the
// persisted row still matches the context and the request fingerprint,
// rotates the identifier once half the lifetime has elapsed, and stamps
// activity. It must run before any protected business logic.
func (m *SessionManager) ValidateAndRenew(sctx *SessionContext, ip, userAgent string) error {
	if sctx == nil || sctx.SessionID == "" || sctx.UserID == 0 {
		return ErrSessionNotFound
	}

	session, err := m.storage.GetSession(sctx.SessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		sctx.clear()
		return ErrSessionExpired
	}
	if err != nil {
		slog.Error("Failed to load session", "error", err)
		return ErrStoreUnavailable
	}

	now := time.Now()

	// The row must match the context's user and still be within both its
	// absolute expiry and the idle window.
	if session.UserID != sctx.UserID || !session.ExpiresAt.After(now) ||
		now.Sub(session.LastActivity) > m.config.SessionLifetime {
		m.logEvent(&session.UserID, EventSessionExpired, "session no longer valid", ip, userAgent)
		m.destroyRow(session.ID)
		sctx.clear()
		return ErrSessionExpired
	}

	// Fingerprint check. This is a heuristic, not a cryptographic
	// guarantee: NAT or proxy IP churn and browser updates can trip it
	// for legitimate users, who then simply re-authenticate.
	if session.IPAddress != ip || session.UserAgent != userAgent {
		m.logEvent(&session.UserID, EventSessionHijack,
			fmt.Sprintf("fingerprint mismatch: session ip=%s current ip=%s", session.IPAddress, ip),
			ip, userAgent)
		m.destroyRow(session.ID)
		sctx.clear()
		return ErrHijackDetected
	}

	// Rotate the identifier once more than the configured fraction of the
	// lifetime has elapsed. This bounds the exposure window of any single
	// identifier without forcing re-authentication.
	renewAfter := time.Duration(float64(m.config.SessionLifetime) * m.config.RenewAfterFraction)
	if now.Sub(sctx.SessionStart) > renewAfter {
		newID, err := generateSessionID()
		if err != nil {
			return fmt.Errorf("failed to generate session ID: %w", err)
		}
		if err := m.storage.RenewSessionID(sctx.SessionID, newID, now.Add(m.config.SessionLifetime)); err != nil {
			slog.Error("Failed to renew session", "error", err)
			return ErrStoreUnavailable
		}
		slog.Debug("Session identifier rotated", "user_id", sctx.UserID)
		sctx.SessionID = newID
		sctx.SessionStart = now
	}

	if err := m.storage.UpdateSessionActivity(sctx.SessionID); err != nil {
		// Activity stamping is best-effort; the request proceeds
		slog.Error("Failed to update session activity", "error", err)
	}
	sctx.LastActivity = now

	return nil
}

// IsLoggedIn reports whether the context holds an authenticated user
// whose idle time is within the session lifetime. An exceeded lifetime
// transitions the session to Expired and destroys it.
func (m *SessionManager) IsLoggedIn(sctx *SessionContext) bool {
	if sctx == nil || sctx.UserID == 0 {
		return false
	}
	if time.Since(sctx.LastActivity) > m.config.SessionLifetime {
		m.DestroySession(sctx)
		return false
	}
	return true
}

// DestroySession deletes the persisted row and clears all local state.
// It is idempotent: destroying an already-destroyed session is a no-op.
func (m *SessionManager) DestroySession(sctx *SessionContext) {
	if sctx == nil {
		return
	}
	if sctx.SessionID != "" {
		m.destroyRow(sctx.SessionID)
	}
	if sctx.UserID != 0 {
		userID := sctx.UserID
		m.logEvent(&userID, EventUserLogout, "session destroyed", sctx.IPAddress, sctx.UserAgent)
	}
	sctx.clear()
}

// DestroyAllUserSessions deletes every persisted session for the user,
// for example after a password change, logging out all devices at once.
func (m *SessionManager) DestroyAllUserSessions(userID uint) error {
	removed, err := m.storage.DeleteUserSessions(userID)
	if err != nil {
		slog.Error("Failed to destroy user sessions", "user_id", userID, "error", err)
		return ErrStoreUnavailable
	}

	m.logEvent(&userID, EventAllSessionsDestroyed,
		fmt.Sprintf("%d sessions destroyed", removed), "", "")
	return nil
}

// ActiveSessions lists the user's unexpired persisted sessions, most
// recently active first
func (m *SessionManager) ActiveSessions(userID uint) ([]*storage.Session, error) {
	sessions, err := m.storage.GetUserSessions(userID)
	if err != nil {
		slog.Error("Failed to list user sessions", "user_id", userID, "error", err)
		return nil, ErrStoreUnavailable
	}
	return sessions, nil
}

// DestroySpecificSession deletes one of the user's sessions by
// identifier, verifying ownership first
func (m *SessionManager) DestroySpecificSession(userID uint, sessionID string) error {
	session, err := m.storage.GetSession(sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		slog.Error("Failed to load session", "error", err)
		return ErrStoreUnavailable
	}
	if session.UserID != userID {
		return ErrSessionNotFound
	}

	if err := m.storage.DeleteSession(sessionID); err != nil {
		slog.Error("Failed to delete session", "error", err)
		return ErrStoreUnavailable
	}
	return nil
}

// RunCleanupLoop sweeps expired persisted sessions at the given interval
// until the context is cancelled. Deploy at most one loop per store;
// there is no cross-replica lease, concurrent sweeps are merely wasteful.
func (m *SessionManager) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// destroyRow deletes a persisted session row, logging failures
func (m *SessionManager) destroyRow(sessionID string) {
	if err := m.storage.DeleteSession(sessionID); err != nil {
		slog.Error("Failed to delete session row", "error", err)
	}
}

// logEvent appends to the persisted audit log and the structured logger
func (m *SessionManager) logEvent(userID *uint, eventType, details, ip, userAgent string) {
	event := &storage.SecurityEvent{
		UserID:    userID,
		EventType: eventType,
		Details:   details,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if err := m.storage.CreateSecurityEvent(event); err != nil {
		slog.Error("Failed to log security event", "event_type", eventType, "error", err)
	}
	slog.Info("security event", "event_type", eventType, "user_id", userID, "ip", ip, "details", details)
}
