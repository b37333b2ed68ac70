package guard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// createTestRequest creates an HTTP request with a JSON body for testing
func createTestRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		if str, ok := body.(string); ok {
			reqBody = bytes.NewBufferString(str)
		} else {
			jsonData, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("Failed to marshal request body: %v", err)
			}
			reqBody = bytes.NewBuffer(jsonData)
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", testUserAgent)
	return req
}

// sessionCookie extracts the session cookie from a recorded response
func sessionCookie(t *testing.T, authService *AuthService, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == authService.SecurityConfig().CookieName {
			return cookie
		}
	}
	return nil
}

// fetchCSRFToken requests a CSRF token, returning the token and the
// cookie binding it to the client context
func fetchCSRFToken(t *testing.T, authService *AuthService, existing *http.Cookie) (string, *http.Cookie) {
	t.Helper()

	req := createTestRequest(t, "GET", "/auth/csrf", nil)
	if existing != nil {
		req.AddCookie(existing)
	}
	w := httptest.NewRecorder()

	resp := authService.CSRFTokenHandler(w, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CSRFTokenHandler() status = %d, want 200", resp.StatusCode)
	}
	if resp.Token == "" {
		t.Fatal("CSRFTokenHandler() returned empty token")
	}

	cookie := sessionCookie(t, authService, w)
	if cookie == nil {
		cookie = existing
	}
	if cookie == nil {
		t.Fatal("CSRFTokenHandler() set no client context cookie")
	}
	return resp.Token, cookie
}

// mustLogin runs the full CSRF-then-login flow and returns the session cookie
func mustLogin(t *testing.T, authService *AuthService, username, password string) *http.Cookie {
	t.Helper()

	token, anonCookie := fetchCSRFToken(t, authService, nil)

	req := createTestRequest(t, "POST", "/auth/login", map[string]interface{}{
		"username":   username,
		"password":   password,
		"csrf_token": token,
	})
	req.AddCookie(anonCookie)
	w := httptest.NewRecorder()

	resp := authService.LoginHandler(w, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("LoginHandler() status = %d, want 200: %+v", resp.StatusCode, resp)
	}

	cookie := sessionCookie(t, authService, w)
	if cookie == nil {
		t.Fatal("LoginHandler() set no session cookie")
	}
	return cookie
}

func TestLoginHandler_Success(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	token, anonCookie := fetchCSRFToken(t, authService, nil)

	req := createTestRequest(t, "POST", "/auth/login", map[string]interface{}{
		"username":   "alice",
		"password":   "TestPassword123!",
		"csrf_token": token,
	})
	req.AddCookie(anonCookie)
	w := httptest.NewRecorder()

	resp := authService.LoginHandler(w, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("LoginHandler() status = %d, want 200: %+v", resp.StatusCode, resp)
	}
	if resp.User == nil || resp.User.Username != "alice" {
		t.Errorf("LoginHandler() user = %+v, want alice", resp.User)
	}

	cookie := sessionCookie(t, authService, w)
	if cookie == nil {
		t.Fatal("LoginHandler() set no session cookie")
	}
	// The pre-login identifier never names an authenticated session
	if cookie.Value == anonCookie.Value {
		t.Error("LoginHandler() kept the pre-login session identifier")
	}
	if !cookie.HttpOnly {
		t.Error("LoginHandler() session cookie is not HttpOnly")
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		t.Error("LoginHandler() session cookie is not SameSite=Strict")
	}
}

func TestLoginHandler_InvalidCSRF(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	_, anonCookie := fetchCSRFToken(t, authService, nil)

	req := createTestRequest(t, "POST", "/auth/login", map[string]interface{}{
		"username":   "alice",
		"password":   "TestPassword123!",
		"csrf_token": "forged-token",
	})
	req.AddCookie(anonCookie)
	w := httptest.NewRecorder()

	resp := authService.LoginHandler(w, req)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("LoginHandler() status = %d, want 403", resp.StatusCode)
	}
}

func TestLoginHandler_BadRequests(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed_json", "{not json"},
		{"missing_fields", map[string]interface{}{"username": "alice"}},
		{"empty_body", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := createTestRequest(t, "POST", "/auth/login", tt.body)
			w := httptest.NewRecorder()

			resp := authService.LoginHandler(w, req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("LoginHandler() status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestLoginHandler_WrongPassword(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	token, anonCookie := fetchCSRFToken(t, authService, nil)

	req := createTestRequest(t, "POST", "/auth/login", map[string]interface{}{
		"username":   "alice",
		"password":   "WrongPassword123!",
		"csrf_token": token,
	})
	req.AddCookie(anonCookie)
	w := httptest.NewRecorder()

	resp := authService.LoginHandler(w, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("LoginHandler() status = %d, want 401", resp.StatusCode)
	}
	if resp.User != nil {
		t.Error("LoginHandler() leaked user data on failure")
	}
}

func TestLoginHandler_RateLimited(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	token, anonCookie := fetchCSRFToken(t, authService, nil)
	limit := authService.SecurityConfig().LoginRateLimit

	var last LoginResponse
	for i := 0; i <= limit; i++ {
		req := createTestRequest(t, "POST", "/auth/login", map[string]interface{}{
			"username":   "alice",
			"password":   "WrongPassword123!",
			"csrf_token": token,
		})
		req.AddCookie(anonCookie)
		last = authService.LoginHandler(httptest.NewRecorder(), req)
	}

	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("LoginHandler() status = %d, want 429", last.StatusCode)
	}
	if last.RetryAfter <= 0 {
		t.Error("LoginHandler() rate limit response missing retry_after")
	}
}

func TestLogoutHandler(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	cookie := mustLogin(t, authService, "alice", "TestPassword123!")

	req := createTestRequest(t, "POST", "/auth/logout", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()

	resp := authService.LogoutHandler(w, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("LogoutHandler() status = %d, want 200", resp.StatusCode)
	}

	cleared := sessionCookie(t, authService, w)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Error("LogoutHandler() did not clear the session cookie")
	}

	// The destroyed session no longer authenticates
	checkReq := createTestRequest(t, "GET", "/auth/check", nil)
	checkReq.AddCookie(cookie)
	checkResp := authService.CheckAuthHandler(httptest.NewRecorder(), checkReq)
	if checkResp.Authenticated {
		t.Error("CheckAuthHandler() authenticated a destroyed session")
	}
}

func TestLogoutHandler_WithoutSession(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()

	req := createTestRequest(t, "POST", "/auth/logout", nil)
	resp := authService.LogoutHandler(httptest.NewRecorder(), req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("LogoutHandler() status = %d, want 200", resp.StatusCode)
	}
}

func TestCheckAuthHandler(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	// Without a session
	req := createTestRequest(t, "GET", "/auth/check", nil)
	resp := authService.CheckAuthHandler(httptest.NewRecorder(), req)
	if resp.StatusCode != http.StatusUnauthorized || resp.Authenticated {
		t.Errorf("CheckAuthHandler() without session = %d/%v, want 401/false", resp.StatusCode, resp.Authenticated)
	}

	// With a session
	cookie := mustLogin(t, authService, "alice", "TestPassword123!")
	req = createTestRequest(t, "GET", "/auth/check", nil)
	req.AddCookie(cookie)
	resp = authService.CheckAuthHandler(httptest.NewRecorder(), req)
	if resp.StatusCode != http.StatusOK || !resp.Authenticated {
		t.Errorf("CheckAuthHandler() with session = %d/%v, want 200/true", resp.StatusCode, resp.Authenticated)
	}
	if resp.User == nil || resp.User.Username != "alice" {
		t.Errorf("CheckAuthHandler() user = %+v, want alice", resp.User)
	}
}

func TestCheckAuthHandler_HijackedSession(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	cookie := mustLogin(t, authService, "alice", "TestPassword123!")

	// Same cookie presented from a different browser
	req := createTestRequest(t, "GET", "/auth/check", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	req.AddCookie(cookie)
	w := httptest.NewRecorder()

	resp := authService.CheckAuthHandler(w, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("CheckAuthHandler() status = %d, want 401", resp.StatusCode)
	}

	// The session died; the original browser is logged out too
	req = createTestRequest(t, "GET", "/auth/check", nil)
	req.AddCookie(cookie)
	resp = authService.CheckAuthHandler(httptest.NewRecorder(), req)
	if resp.Authenticated {
		t.Error("CheckAuthHandler() authenticated a session after hijack detection")
	}
}

func TestChangePasswordHandler(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	cookie := mustLogin(t, authService, "alice", "TestPassword123!")
	token, _ := fetchCSRFToken(t, authService, cookie)

	req := createTestRequest(t, "POST", "/auth/change-password", map[string]interface{}{
		"current_password": "TestPassword123!",
		"new_password":     "NewPassword456!",
		"csrf_token":       token,
	})
	req.AddCookie(cookie)
	w := httptest.NewRecorder()

	resp := authService.ChangePasswordHandler(w, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ChangePasswordHandler() status = %d, want 200: %+v", resp.StatusCode, resp)
	}

	// All sessions are gone; the new password logs in
	checkReq := createTestRequest(t, "GET", "/auth/check", nil)
	checkReq.AddCookie(cookie)
	checkResp := authService.CheckAuthHandler(httptest.NewRecorder(), checkReq)
	if checkResp.Authenticated {
		t.Error("CheckAuthHandler() authenticated a session after password change")
	}
	mustLogin(t, authService, "alice", "NewPassword456!")
}

func TestActiveSessionsHandler(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	first := mustLogin(t, authService, "alice", "TestPassword123!")
	mustLogin(t, authService, "alice", "TestPassword123!")

	req := createTestRequest(t, "GET", "/auth/sessions", nil)
	req.AddCookie(first)
	w := httptest.NewRecorder()

	resp := authService.ActiveSessionsHandler(w, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ActiveSessionsHandler() status = %d, want 200", resp.StatusCode)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("ActiveSessionsHandler() returned %d sessions, want 2", len(resp.Sessions))
	}

	var currentCount int
	for _, s := range resp.Sessions {
		if s.Current {
			currentCount++
			if s.SessionID != first.Value {
				t.Error("ActiveSessionsHandler() marked the wrong session as current")
			}
		}
	}
	if currentCount != 1 {
		t.Errorf("ActiveSessionsHandler() marked %d sessions as current, want 1", currentCount)
	}
}

func TestRevokeSessionHandler(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	keeper := mustLogin(t, authService, "alice", "TestPassword123!")
	victim := mustLogin(t, authService, "alice", "TestPassword123!")
	token, _ := fetchCSRFToken(t, authService, keeper)

	req := createTestRequest(t, "POST", "/auth/sessions/revoke", map[string]interface{}{
		"session_id": victim.Value,
		"csrf_token": token,
	})
	req.AddCookie(keeper)
	w := httptest.NewRecorder()

	resp := authService.RevokeSessionHandler(w, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("RevokeSessionHandler() status = %d, want 200: %+v", resp.StatusCode, resp)
	}

	// The revoked session is dead, the revoking one lives
	checkReq := createTestRequest(t, "GET", "/auth/check", nil)
	checkReq.AddCookie(victim)
	if authService.CheckAuthHandler(httptest.NewRecorder(), checkReq).Authenticated {
		t.Error("CheckAuthHandler() authenticated a revoked session")
	}
	checkReq = createTestRequest(t, "GET", "/auth/check", nil)
	checkReq.AddCookie(keeper)
	if !authService.CheckAuthHandler(httptest.NewRecorder(), checkReq).Authenticated {
		t.Error("CheckAuthHandler() rejected the revoking session")
	}
}

func TestRequireSessionMiddleware(t *testing.T) {
	authService := mustCreateTestAuthService(t)
	defer authService.Close()
	mustCreateTestUser(t, authService, "alice", "TestPassword123!")

	handler := authService.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sctx := SessionFromContext(r)
		if sctx == nil {
			t.Error("SessionFromContext() returned nil inside RequireSession")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	// Without a session
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, createTestRequest(t, "GET", "/profile", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("RequireSession without cookie status = %d, want 401", w.Code)
	}

	// With a session
	cookie := mustLogin(t, authService, "alice", "TestPassword123!")
	req := createTestRequest(t, "GET", "/profile", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("RequireSession with cookie status = %d, want 200", w.Code)
	}
}
