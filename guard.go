// Package guard provides a server-side authentication and session-security
// engine for web applications.
//
// This package includes:
//   - Username/password authentication with progressive account lockout
//   - CSRF token issuance and validation bound to a client context
//   - Request rate limiting per client identifier
//   - Persisted session lifecycle management with fixation defense,
//     periodic identifier renewal and hijack detection
//   - Security event auditing to the persisted store and structured logs
//
// ## Key Features:
//   - Built-in security with detailed tracking
//   - Return-based handlers - maximum control over HTTP responses
//   - Works with any HTTP router (Chi, Gorilla Mux, stdlib, etc.)
//
// ## Quick Start:
//
//	store, err := storage.NewInMemorySQLiteStorage()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	authService, err := guard.NewAuthService(guard.Config{
//		Storage:        store,
//		SecurityConfig: guard.DefaultSecurityConfig(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
//		result := authService.LoginHandler(w, r)
//		w.WriteHeader(result.StatusCode)
//		json.NewEncoder(w).Encode(result)
//	})
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wispberry-tech/wispy-guard/storage"
)

// Caller-visible authentication and session outcomes. Expected failures
// are mapped to these sentinels; raw store errors never leave the
// package (see ErrStoreUnavailable).
var (
	// ErrInvalidInput is returned for malformed or invalid request data
	ErrInvalidInput = errors.New("invalid input")
	// ErrCSRFInvalid is returned when a CSRF token is missing, stale or wrong
	ErrCSRFInvalid = errors.New("invalid security token")
	// ErrRateLimited is returned when a client exceeds the attempt ceiling
	ErrRateLimited = errors.New("too many attempts")
	// ErrInvalidCredentials is returned for authentication failures
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned when an account is temporarily locked
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrSessionExpired is returned when a session no longer validates
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotFound is returned when no session accompanies the request
	ErrSessionNotFound = errors.New("session not found")
	// ErrHijackDetected is returned when a session fails fingerprint checks
	ErrHijackDetected = errors.New("session hijack detected")
	// ErrStoreUnavailable is returned when the persisted store fails;
	// the underlying cause is logged, never surfaced to callers
	ErrStoreUnavailable = errors.New("storage temporarily unavailable")
	// ErrUserNotFound is returned when a user cannot be found
	ErrUserNotFound = errors.New("user not found")
)

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Password security
	PasswordMinLength      int
	PasswordRequireUpper   bool
	PasswordRequireLower   bool
	PasswordRequireNumber  bool
	PasswordRequireSpecial bool
	PBKDF2Iterations       int // Key-derivation iteration count (min 10000)

	// Login security
	MaxLoginAttempts int           // Failed attempts before account lockout
	LockoutDuration  time.Duration // How long accounts remain locked
	LoginRateLimit   int           // Login attempts allowed per client within LoginRateWindow
	LoginRateWindow  time.Duration // Rolling window for the login rate limit

	// Session security
	SessionLifetime    time.Duration // How long sessions remain valid
	RenewAfterFraction float64       // Fraction of lifetime after which the session ID is rotated
	CSRFTokenTTL       time.Duration // How long issued CSRF tokens remain valid
	CleanupProbability int           // Percent chance a manager construction sweeps expired sessions

	// Cookie settings
	CookieName   string // Session identifier cookie name
	CookieSecure bool   // Set the Secure flag (disable only for plain-HTTP development)
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PasswordMinLength:      8,
		PasswordRequireUpper:   true,
		PasswordRequireLower:   true,
		PasswordRequireNumber:  true,
		PasswordRequireSpecial: true,
		PBKDF2Iterations:       10000,
		MaxLoginAttempts:       5,
		LockoutDuration:        15 * time.Minute,
		LoginRateLimit:         5,
		LoginRateWindow:        15 * time.Minute,
		SessionLifetime:        time.Hour,
		RenewAfterFraction:     0.5,
		CSRFTokenTTL:           5 * time.Minute,
		CleanupProbability:     1,
		CookieName:             "SECURE_SESSION_ID",
		CookieSecure:           true,
	}
}

// applySecurityDefaults fills unset numeric and string fields of a
// partial configuration with the secure defaults. Booleans are left
// as given; false is a legitimate explicit choice for them.
func applySecurityDefaults(c *SecurityConfig) {
	defaults := DefaultSecurityConfig()
	if c.PasswordMinLength <= 0 {
		c.PasswordMinLength = defaults.PasswordMinLength
	}
	if c.PBKDF2Iterations < minPBKDF2Iterations {
		c.PBKDF2Iterations = minPBKDF2Iterations
	}
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = defaults.MaxLoginAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = defaults.LockoutDuration
	}
	if c.LoginRateLimit <= 0 {
		c.LoginRateLimit = defaults.LoginRateLimit
	}
	if c.LoginRateWindow <= 0 {
		c.LoginRateWindow = defaults.LoginRateWindow
	}
	if c.SessionLifetime <= 0 {
		c.SessionLifetime = defaults.SessionLifetime
	}
	if c.RenewAfterFraction <= 0 || c.RenewAfterFraction >= 1 {
		c.RenewAfterFraction = defaults.RenewAfterFraction
	}
	if c.CSRFTokenTTL <= 0 {
		c.CSRFTokenTTL = defaults.CSRFTokenTTL
	}
	if c.CookieName == "" {
		c.CookieName = defaults.CookieName
	}
}

// Config contains the configuration for the AuthService
type Config struct {
	Storage        storage.Interface // Storage implementation (required)
	SecurityConfig SecurityConfig    // Security configuration
}

// AuthService is the main service for handling authentication operations.
type AuthService struct {
	storage        storage.Interface
	securityConfig SecurityConfig
	validator      *validator.Validate
	csrf           *CSRFGuard
	limiter        *RateLimiter
	sessions       *SessionManager
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg Config) (*AuthService, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	// Test storage connection
	if err := cfg.Storage.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	// Use the full default security config if none was provided;
	// otherwise fill each unset field so a partial config never
	// produces a zero threshold
	securityConfig := cfg.SecurityConfig
	if securityConfig == (SecurityConfig{}) {
		securityConfig = DefaultSecurityConfig()
	} else {
		applySecurityDefaults(&securityConfig)
	}

	service := &AuthService{
		storage:        cfg.Storage,
		securityConfig: securityConfig,
		validator:      validator.New(),
		csrf:           NewCSRFGuard(securityConfig.CSRFTokenTTL),
		limiter:        NewRateLimiter(),
		sessions:       NewSessionManager(cfg.Storage, securityConfig),
	}

	return service, nil
}

// Sessions returns the session lifecycle manager
func (a *AuthService) Sessions() *SessionManager {
	return a.sessions
}

// CSRF returns the CSRF token guard
func (a *AuthService) CSRF() *CSRFGuard {
	return a.csrf
}

// RateLimiter returns the request rate limiter
func (a *AuthService) RateLimiter() *RateLimiter {
	return a.limiter
}

// SecurityConfig returns the active security configuration
func (a *AuthService) SecurityConfig() SecurityConfig {
	return a.securityConfig
}

// logSecurityEvent appends an event to the persisted audit log and
// mirrors it to the structured logger
func (a *AuthService) logSecurityEvent(userID *uint, eventType, details, ip, userAgent string) {
	event := &storage.SecurityEvent{
		UserID:    userID,
		EventType: eventType,
		Details:   details,
		IPAddress: ip,
		UserAgent: userAgent,
	}

	if err := a.storage.CreateSecurityEvent(event); err != nil {
		slog.Error("Failed to log security event",
			"event_type", eventType,
			"user_id", userID,
			"error", err)
	}

	slog.Info("security event",
		"event_type", eventType,
		"user_id", userID,
		"ip", ip,
		"user_agent", userAgent,
		"details", details)
}

// RunCleanupLoop sweeps all bounded-lifetime state at the given
// interval until the context is cancelled: expired persisted sessions,
// expired CSRF tokens, and rate-limit entries for clients that went
// quiet. Without the sweep, every anonymous visitor leaves a permanent
// in-memory entry behind.
func (a *AuthService) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.csrf.Cleanup()
			a.limiter.Cleanup(a.securityConfig.LoginRateWindow)
			a.sessions.sweepExpired()
		}
	}
}

// logStoreFailure records a store failure with its real cause. Callers
// surface ErrStoreUnavailable instead of the raw error.
func (a *AuthService) logStoreFailure(operation string, err error) {
	slog.Error("Storage operation failed", "operation", operation, "error", err)
}

// Close closes the auth service and cleans up resources
func (a *AuthService) Close() error {
	return a.storage.Close()
}
