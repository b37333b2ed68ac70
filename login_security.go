package guard

import (
	"errors"
	"fmt"
	"time"

	"github.com/wispberry-tech/wispy-guard/storage"
)

// isAccountLocked reports whether the account is under an active
// lockout. An elapsed lockout is cleared here so the user does not stay
// locked past the window.
func (a *AuthService) isAccountLocked(user *storage.User) bool {
	if user.LockedUntil == nil {
		return false
	}
	if time.Now().Before(*user.LockedUntil) {
		return true
	}

	// Lockout has elapsed; clear it along with the failure counter
	if err := a.storage.ResetLoginAttempts(user.ID); err != nil {
		return false
	}
	user.LockedUntil = nil
	user.FailedAttempts = 0
	return false
}

// recordLoginFailure increments the account's failure counter and locks
// the account once the configured threshold is reached. The increment is
// a single atomic store operation, so concurrent failures cannot
// undercount toward the threshold.
func (a *AuthService) recordLoginFailure(user *storage.User, ip, userAgent string) error {
	count, err := a.storage.IncrementLoginAttempts(user.ID)
	if err != nil {
		return fmt.Errorf("failed to record login failure: %w", err)
	}

	userID := user.ID
	a.logSecurityEvent(&userID, EventLoginFailed,
		fmt.Sprintf("failed attempt %d of %d", count, a.securityConfig.MaxLoginAttempts),
		ip, userAgent)

	if count >= a.securityConfig.MaxLoginAttempts {
		return a.lockAccount(user, ip, userAgent)
	}
	return nil
}

// lockAccount places a temporary lock on the account and records the
// event
func (a *AuthService) lockAccount(user *storage.User, ip, userAgent string) error {
	until := time.Now().Add(a.securityConfig.LockoutDuration)
	if err := a.storage.SetUserLocked(user.ID, until); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	userID := user.ID
	a.logSecurityEvent(&userID, EventAccountLocked,
		fmt.Sprintf("locked until %s after %d failed attempts",
			until.Format(time.RFC3339), a.securityConfig.MaxLoginAttempts),
		ip, userAgent)
	return nil
}

// recordLoginSuccess clears the failure counter and any lockout, stamps
// the last login, and records the event. Called only after the password
// has verified.
func (a *AuthService) recordLoginSuccess(user *storage.User, ip, userAgent string) {
	if err := a.storage.ResetLoginAttempts(user.ID); err != nil {
		a.logStoreFailure("reset login attempts", err)
	}
	if err := a.storage.UpdateLastLogin(user.ID, ip); err != nil {
		a.logStoreFailure("update last login", err)
	}

	userID := user.ID
	a.logSecurityEvent(&userID, EventLoginSuccess, "", ip, userAgent)
}

// LockoutRemaining returns how long the account stays locked, or zero
// when it is not locked
func (a *AuthService) LockoutRemaining(username string) (time.Duration, error) {
	user, err := a.storage.GetUserByUsername(username)
	if errors.Is(err, storage.ErrUserNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		a.logStoreFailure("load user", err)
		return 0, ErrStoreUnavailable
	}

	if user.LockedUntil == nil {
		return 0, nil
	}
	remaining := time.Until(*user.LockedUntil)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// UnlockAccount clears an account lockout and failure counter, for
// administrative use
func (a *AuthService) UnlockAccount(userID uint) error {
	if err := a.storage.ResetLoginAttempts(userID); err != nil {
		a.logStoreFailure("unlock account", err)
		return ErrStoreUnavailable
	}
	return nil
}
