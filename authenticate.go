package guard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wispberry-tech/wispy-guard/storage"
)

// Authenticate verifies a username and password and returns the user on
// success. Checks run in a fixed order: rate limit, input format,
// account existence, account status, lockout, then password. The rate
// limit comes first so malformed probes consume budget too. Unknown
// and disabled accounts still burn a full key derivation so response
// timing does not reveal which usernames exist, and every failure maps
// to ErrInvalidCredentials unless the account is locked or the client
// is rate limited.
func (a *AuthService) Authenticate(username, password, ip, userAgent string) (*storage.User, error) {
	if !a.limiter.CheckAndRecord("login_"+ip, a.securityConfig.LoginRateLimit, a.securityConfig.LoginRateWindow) {
		a.logSecurityEvent(nil, EventRateLimitExceeded,
			fmt.Sprintf("login rate limit exceeded for %s", ip), ip, userAgent)
		return nil, ErrRateLimited
	}

	username = strings.TrimSpace(username)
	if !validateUsername(username) || password == "" {
		return nil, ErrInvalidInput
	}

	user, err := a.storage.GetUserByUsername(username)
	if errors.Is(err, storage.ErrUserNotFound) {
		a.dummyVerify(password)
		a.logSecurityEvent(nil, EventLoginFailed,
			fmt.Sprintf("unknown username %q", username), ip, userAgent)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		a.logStoreFailure("load user", err)
		return nil, ErrStoreUnavailable
	}

	if user.Status != storage.StatusActive {
		a.dummyVerify(password)
		userID := user.ID
		a.logSecurityEvent(&userID, EventLoginFailed, "account disabled", ip, userAgent)
		return nil, ErrInvalidCredentials
	}

	if a.isAccountLocked(user) {
		userID := user.ID
		a.logSecurityEvent(&userID, EventLoginFailed, "account locked", ip, userAgent)
		return nil, ErrAccountLocked
	}

	if !a.verifyPassword(password, user.PasswordHash, user.Salt) {
		if err := a.recordLoginFailure(user, ip, userAgent); err != nil {
			a.logStoreFailure("record login failure", err)
		}
		return nil, ErrInvalidCredentials
	}

	a.recordLoginSuccess(user, ip, userAgent)
	return user, nil
}

// Login authenticates the user and establishes a fresh session. Any
// session identifier the client presented before authentication is
// never reused.
func (a *AuthService) Login(username, password, ip, userAgent string) (*SessionContext, error) {
	user, err := a.Authenticate(username, password, ip, userAgent)
	if err != nil {
		return nil, err
	}
	return a.sessions.CreateSession(user, ip, userAgent)
}

// CreateUserRequest carries the fields for registering a new user
type CreateUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	RoleID   uint   `json:"role_id"`
}

// CreateUser registers a new user with a hashed password. The password
// must satisfy the configured complexity requirements.
func (a *AuthService) CreateUser(req CreateUserRequest) (*storage.User, error) {
	if err := a.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, formatValidationErrors(err))
	}
	if !validateUsername(req.Username) {
		return nil, fmt.Errorf("%w: username may only contain letters, numbers, underscores and dashes", ErrInvalidInput)
	}
	if err := validatePasswordStrength(req.Password, a.securityConfig); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}

	hash, salt, err := a.hashPassword(req.Password, "")
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &storage.User{
		UUID:         uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Salt:         salt,
		RoleID:       req.RoleID,
		Status:       storage.StatusActive,
	}

	if err := a.storage.CreateUser(user); err != nil {
		a.logStoreFailure("create user", err)
		return nil, ErrStoreUnavailable
	}

	return user, nil
}

// ChangePassword verifies the current password, stores a hash of the
// new one, and destroys every session of the user so stolen session
// identifiers die with the old password.
func (a *AuthService) ChangePassword(userID uint, currentPassword, newPassword, ip, userAgent string) error {
	user, err := a.storage.GetUserByID(userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		a.logStoreFailure("load user", err)
		return ErrStoreUnavailable
	}

	if !a.verifyPassword(currentPassword, user.PasswordHash, user.Salt) {
		a.logSecurityEvent(&userID, EventLoginFailed, "password change with wrong current password", ip, userAgent)
		return ErrInvalidCredentials
	}

	if err := validatePasswordStrength(newPassword, a.securityConfig); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}

	hash, salt, err := a.hashPassword(newPassword, "")
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := a.storage.UpdatePassword(userID, hash, salt); err != nil {
		a.logStoreFailure("update password", err)
		return ErrStoreUnavailable
	}

	a.logSecurityEvent(&userID, EventPasswordChanged, "", ip, userAgent)

	return a.sessions.DestroyAllUserSessions(userID)
}

// GetUser loads a user by ID
func (a *AuthService) GetUser(userID uint) (*storage.User, error) {
	user, err := a.storage.GetUserByID(userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		a.logStoreFailure("load user", err)
		return nil, ErrStoreUnavailable
	}
	return user, nil
}

// SecurityEvents returns recent audit log entries, optionally filtered
// by user and event type
func (a *AuthService) SecurityEvents(userID *uint, eventType string, limit, offset int) ([]*storage.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := a.storage.GetSecurityEvents(userID, eventType, limit, offset)
	if err != nil {
		a.logStoreFailure("load security events", err)
		return nil, ErrStoreUnavailable
	}
	return events, nil
}
