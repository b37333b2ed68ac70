package guard

import (
	"errors"
	"testing"
	"time"
)

const (
	testIP        = "192.0.2.1"
	testUserAgent = "Mozilla/5.0 (X11; Linux x86_64) Chrome/128.0"
)

func TestSessionManager_CreateAndResume(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	user := mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	sctx, err := authService.Sessions().CreateSession(user, testIP, testUserAgent)
	if err != nil {
		t.Fatalf("CreateSession() unexpected error = %v", err)
	}
	if len(sctx.SessionID) != 64 {
		t.Errorf("CreateSession() identifier length = %d, want 64", len(sctx.SessionID))
	}
	if sctx.UserID != user.ID || sctx.Username != "alice" {
		t.Errorf("CreateSession() context = %+v, want user %d", sctx, user.ID)
	}

	resumed, err := authService.Sessions().Resume(sctx.SessionID, testIP, testUserAgent)
	if err != nil {
		t.Fatalf("Resume() unexpected error = %v", err)
	}
	if resumed.UserID != user.ID {
		t.Errorf("Resume() user = %d, want %d", resumed.UserID, user.ID)
	}
}

func TestSessionManager_ResumeUnknownSession(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()

	if _, err := authService.Sessions().Resume("no-such-session", testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := authService.Sessions().Resume("", testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume() with empty ID error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_HijackDetection(t *testing.T) {
	tests := []struct {
		name      string
		ip        string
		userAgent string
	}{
		{"different_ip", "203.0.113.9", testUserAgent},
		{"different_user_agent", testIP, "curl/8.0"},
		{"both_different", "203.0.113.9", "curl/8.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authService := mustCreateTestAuthService(t)
			defer authService.Close()
			user := mustCreateTestUser(t, authService, "alice", "TestPassword123!")

			sctx, err := authService.Sessions().CreateSession(user, testIP, testUserAgent)
			if err != nil {
				t.Fatalf("CreateSession() unexpected error = %v", err)
			}

			if _, err := authService.Sessions().Resume(sctx.SessionID, tt.ip, tt.userAgent); !errors.Is(err, ErrHijackDetected) {
				t.Fatalf("Resume() error = %v, want ErrHijackDetected", err)
			}

			// The session is destroyed; even the legitimate fingerprint is
			// locked out now
			if _, err := authService.Sessions().Resume(sctx.SessionID, testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("Resume() after hijack error = %v, want ErrSessionNotFound", err)
			}
		})
	}
}

func TestSessionManager_Expiry(t *testing.T) {
	securityConfig := DefaultSecurityConfig()
	securityConfig.SessionLifetime = 30 * time.Millisecond
	authService := mustCreateTestAuthServiceWithConfig(t, securityConfig)
	defer authService.Close()
	user := mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	sctx, err := authService.Sessions().CreateSession(user, testIP, testUserAgent)
	if err != nil {
		t.Fatalf("CreateSession() unexpected error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := authService.Sessions().Resume(sctx.SessionID, testIP, testUserAgent); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Resume() error = %v, want ErrSessionExpired", err)
	}

	// Expired sessions are destroyed, not revived
	if _, err := authService.Sessions().Resume(sctx.SessionID, testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume() after expiry error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_Renewal(t *testing.T) {
	securityConfig := DefaultSecurityConfig()
	securityConfig.SessionLifetime = 200 * time.Millisecond
	securityConfig.RenewAfterFraction = 0.5
	authService := mustCreateTestAuthServiceWithConfig(t, securityConfig)
	defer authService.Close()
	user := mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	sctx, err := authService.Sessions().CreateSession(user, testIP, testUserAgent)
	if err != nil {
		t.Fatalf("CreateSession() unexpected error = %v", err)
	}
	originalID := sctx.SessionID

	// Before half the lifetime the identifier stays stable
	if err := authService.Sessions().ValidateAndRenew(sctx, testIP, testUserAgent); err != nil {
		t.Fatalf("ValidateAndRenew() unexpected error = %v", err)
	}
	if sctx.SessionID != originalID {
		t.Fatal("ValidateAndRenew() rotated the identifier before the renewal point")
	}

	time.Sleep(120 * time.Millisecond)

	if err := authService.Sessions().ValidateAndRenew(sctx, testIP, testUserAgent); err != nil {
		t.Fatalf("ValidateAndRenew() unexpected error = %v", err)
	}
	if sctx.SessionID == originalID {
		t.Fatal("ValidateAndRenew() did not rotate the identifier past the renewal point")
	}

	// The old identifier is dead, the new one resumes
	if _, err := authService.Sessions().Resume(originalID, testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume() with pre-renewal ID error = %v, want ErrSessionNotFound", err)
	}
	if _, err := authService.Sessions().Resume(sctx.SessionID, testIP, testUserAgent); err != nil {
		t.Errorf("Resume() with renewed ID unexpected error = %v", err)
	}
}

func TestSessionManager_IsLoggedIn(t *testing.T) {
	securityConfig := DefaultSecurityConfig()
	securityConfig.SessionLifetime = 30 * time.Millisecond
	authService := mustCreateTestAuthServiceWithConfig(t, securityConfig)
	defer authService.Close()
	user := mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	if authService.Sessions().IsLoggedIn(nil) {
		t.Error("IsLoggedIn(nil) = true, want false")
	}
	if authService.Sessions().IsLoggedIn(&SessionContext{}) {
		t.Error("IsLoggedIn() with empty context = true, want false")
	}

	sctx, err := authService.Sessions().CreateSession(user, testIP, testUserAgent)
	if err != nil {
		t.Fatalf("CreateSession() unexpected error = %v", err)
	}
	sessionID := sctx.SessionID

	if !authService.Sessions().IsLoggedIn(sctx) {
		t.Fatal("IsLoggedIn() = false for a fresh session")
	}

	time.Sleep(50 * time.Millisecond)

	// Exceeding the lifetime flips the answer and destroys the session
	if authService.Sessions().IsLoggedIn(sctx) {
		t.Fatal("IsLoggedIn() = true past the session lifetime")
	}
	if sctx.UserID != 0 || sctx.SessionID != "" {
		t.Errorf("IsLoggedIn() left local state after expiry: %+v", sctx)
	}
	if _, err := authService.Sessions().Resume(sessionID, testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume() after idle expiry error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_DestroySession(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	user := mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	sctx, err := authService.Sessions().CreateSession(user, testIP, testUserAgent)
	if err != nil {
		t.Fatalf("CreateSession() unexpected error = %v", err)
	}
	sessionID := sctx.SessionID

	authService.Sessions().DestroySession(sctx)

	if sctx.SessionID != "" || sctx.UserID != 0 {
		t.Errorf("DestroySession() left local state: %+v", sctx)
	}
	if _, err := authService.Sessions().Resume(sessionID, testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume() after destroy error = %v, want ErrSessionNotFound", err)
	}

	// Destroying again is a no-op
	authService.Sessions().DestroySession(sctx)
}

func TestSessionManager_DestroyAllUserSessions(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	alice := mustCreateTestUser(t, authService, "alice", "TestPassword123!")
	bob := mustCreateTestUser(t, authService, "bob", "TestPassword123!")

	var aliceSessions []string
	for i := 0; i < 3; i++ {
		sctx, err := authService.Sessions().CreateSession(alice, testIP, testUserAgent)
		if err != nil {
			t.Fatalf("CreateSession() unexpected error = %v", err)
		}
		aliceSessions = append(aliceSessions, sctx.SessionID)
	}
	bobSession, err := authService.Sessions().CreateSession(bob, testIP, testUserAgent)
	if err != nil {
		t.Fatalf("CreateSession() unexpected error = %v", err)
	}

	if err := authService.Sessions().DestroyAllUserSessions(alice.ID); err != nil {
		t.Fatalf("DestroyAllUserSessions() unexpected error = %v", err)
	}

	for _, id := range aliceSessions {
		if _, err := authService.Sessions().Resume(id, testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Resume() error = %v, want ErrSessionNotFound", err)
		}
	}
	if _, err := authService.Sessions().Resume(bobSession.SessionID, testIP, testUserAgent); err != nil {
		t.Errorf("Resume() for unrelated user unexpected error = %v", err)
	}
}

func TestSessionManager_ActiveSessions(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	user := mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	for i := 0; i < 2; i++ {
		if _, err := authService.Sessions().CreateSession(user, testIP, testUserAgent); err != nil {
			t.Fatalf("CreateSession() unexpected error = %v", err)
		}
	}

	sessions, err := authService.Sessions().ActiveSessions(user.ID)
	if err != nil {
		t.Fatalf("ActiveSessions() unexpected error = %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("ActiveSessions() returned %d sessions, want 2", len(sessions))
	}
}

func TestSessionManager_DestroySpecificSession(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	alice := mustCreateTestUser(t, authService, "alice", "TestPassword123!")
	bob := mustCreateTestUser(t, authService, "bob", "TestPassword123!")

	aliceSession, err := authService.Sessions().CreateSession(alice, testIP, testUserAgent)
	if err != nil {
		t.Fatalf("CreateSession() unexpected error = %v", err)
	}

	// A user cannot revoke another user's session
	if err := authService.Sessions().DestroySpecificSession(bob.ID, aliceSession.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("DestroySpecificSession() cross-user error = %v, want ErrSessionNotFound", err)
	}

	if err := authService.Sessions().DestroySpecificSession(alice.ID, aliceSession.SessionID); err != nil {
		t.Fatalf("DestroySpecificSession() unexpected error = %v", err)
	}
	if _, err := authService.Sessions().Resume(aliceSession.SessionID, testIP, testUserAgent); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume() after revocation error = %v, want ErrSessionNotFound", err)
	}
}
