package guard

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Security event types recorded to the audit log
const (
	EventLoginSuccess         = "successful_login"
	EventLoginFailed          = "login_failed"
	EventAccountLocked        = "account_locked"
	EventCSRFInvalid          = "csrf_invalid"
	EventRateLimitExceeded    = "rate_limit_exceeded"
	EventSessionHijack        = "session_hijack_attempt"
	EventSessionExpired       = "session_expired"
	EventUserLogout           = "user_logout"
	EventPasswordChanged      = "password_changed"
	EventAllSessionsDestroyed = "all_sessions_destroyed"
)

// usernamePattern allows 3-50 characters of letters, digits, underscore and dash
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)

// validateUsername reports whether a username has an acceptable format
func validateUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// validatePasswordStrength checks a candidate password against the
// configured complexity requirements
func validatePasswordStrength(password string, config SecurityConfig) error {
	if len(password) < config.PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters long", config.PasswordMinLength)
	}

	if config.PasswordRequireUpper && !regexp.MustCompile(`[A-Z]`).MatchString(password) {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}

	if config.PasswordRequireLower && !regexp.MustCompile(`[a-z]`).MatchString(password) {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}

	if config.PasswordRequireNumber && !regexp.MustCompile(`[0-9]`).MatchString(password) {
		return fmt.Errorf("password must contain at least one number")
	}

	if config.PasswordRequireSpecial && !regexp.MustCompile(`[^a-zA-Z0-9]`).MatchString(password) {
		return fmt.Errorf("password must contain at least one special character")
	}

	return nil
}

// IP utilities
func extractIPFromRequest(remoteAddr, xForwardedFor, xRealIP string) string {
	// Check X-Forwarded-For header first (can contain multiple IPs)
	if xForwardedFor != "" {
		ips := strings.Split(xForwardedFor, ",")
		clientIP := strings.TrimSpace(ips[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}

	// Check X-Real-IP header
	if xRealIP != "" {
		if net.ParseIP(xRealIP) != nil {
			return xRealIP
		}
	}

	// Fall back to RemoteAddr
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// extractIP extracts the client IP from an HTTP request
func extractIP(r *http.Request) string {
	return extractIPFromRequest(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
}

// friendlyUserAgent reduces a raw user-agent string to a readable browser name
func friendlyUserAgent(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Edg"):
		return "Microsoft Edge"
	case strings.Contains(userAgent, "Chrome"):
		return "Google Chrome"
	case strings.Contains(userAgent, "Firefox"):
		return "Mozilla Firefox"
	case strings.Contains(userAgent, "Safari"):
		return "Safari"
	default:
		return "Unknown Browser"
	}
}

// Helper function to format validation errors
func formatValidationErrors(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "min":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at least %s characters long", fieldError.Field(), fieldError.Param()))
			case "max":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at most %s characters long", fieldError.Field(), fieldError.Param()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, "; ")
	}
	return err.Error()
}
