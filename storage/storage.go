// Package storage provides the persisted stores backing the auth engine.
//
// It defines the storage contract plus PostgreSQL and SQLite
// implementations. All mutations that participate in security decisions
// (failed-attempt counters, lock timestamps, session renewal) are single
// atomic SQL statements so that concurrent request handlers sharing the
// store cannot lose updates.
package storage

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
)

// User status values persisted in the users table.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// User represents a credential-store row. The auth engine consumes and
// mutates the security columns; profile data belongs to the application.
type User struct {
	ID       uint   `json:"id"`
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Email    string `json:"email"`

	PasswordHash string `json:"-"`
	Salt         string `json:"-"`

	RoleID uint   `json:"role_id"`
	Status string `json:"status"`

	// Login security tracking
	FailedAttempts int        `json:"failed_attempts"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP    string     `json:"last_login_ip,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session represents a persisted session row. The ID is the opaque
// session token itself; at most one row exists per ID while a user may
// hold many concurrent rows.
type Session struct {
	ID     string `json:"id"`
	UserID uint   `json:"user_id"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SecurityEvent represents one append-only audit log entry.
type SecurityEvent struct {
	ID        uint      `json:"id"`
	UserID    *uint     `json:"user_id,omitempty"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
}

// Interface defines the contract for the persisted auth stores.
type Interface interface {
	// User operations
	CreateUser(user *User) error
	GetUserByUsername(username string) (*User, error)
	GetUserByID(id uint) (*User, error)
	UpdateUser(user *User) error
	UpdatePassword(userID uint, hash, salt string) error

	// Login security operations. IncrementLoginAttempts is an atomic
	// read-modify-write returning the updated counter so two concurrent
	// failures are both counted.
	IncrementLoginAttempts(userID uint) (int, error)
	ResetLoginAttempts(userID uint) error
	SetUserLocked(userID uint, until time.Time) error
	UpdateLastLogin(userID uint, ip string) error

	// Session operations
	CreateSession(session *Session) error
	GetSession(id string) (*Session, error)
	RenewSessionID(oldID, newID string, expiresAt time.Time) error
	UpdateSessionActivity(id string) error
	DeleteSession(id string) error
	DeleteUserSessions(userID uint) (int64, error)
	GetUserSessions(userID uint) ([]*Session, error)
	CleanupExpiredSessions() (int64, error)

	// Security event operations
	CreateSecurityEvent(event *SecurityEvent) error
	GetSecurityEvents(userID *uint, eventType string, limit, offset int) ([]*SecurityEvent, error)

	// Utility operations
	Ping() error
	Close() error
}
