package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStorage implements Interface for SQLite databases
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// NewInMemorySQLiteStorage creates an in-memory SQLite storage for
// testing and examples. The pool is pinned to a single connection so all
// statements see the same in-memory database.
func NewInMemorySQLiteStorage() (*SQLiteStorage, error) {
	s, err := NewSQLiteStorage(":memory:")
	if err != nil {
		return nil, err
	}
	s.db.SetMaxOpenConns(1)
	if err := s.CreateTables(); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// CreateTables creates all tables required by the auth engine
func (s *SQLiteStorage) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT UNIQUE NOT NULL,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			salt TEXT NOT NULL,
			role_id INTEGER DEFAULT 0,
			status TEXT DEFAULT 'active',
			failed_attempts INTEGER DEFAULT 0,
			last_failed_at DATETIME,
			locked_until DATETIME,
			last_login_at DATETIME,
			last_login_ip TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS user_sessions (
			session_id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			ip_address TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_activity DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_user_sessions_user_id ON user_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_sessions_expires_at ON user_sessions(expires_at)`,

		`CREATE TABLE IF NOT EXISTS security_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			event_type TEXT NOT NULL,
			details TEXT DEFAULT '',
			ip_address TEXT DEFAULT '',
			user_agent TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_security_events_event_type ON security_events(event_type)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return nil
}

// User operations

func (s *SQLiteStorage) CreateUser(user *User) error {
	now := time.Now()
	query := `INSERT INTO users (uuid, username, email, password_hash, salt, role_id,
			  status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.Exec(query,
		user.UUID, user.Username, user.Email, user.PasswordHash, user.Salt,
		user.RoleID, user.Status, now, now)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get user ID: %w", err)
	}

	user.ID = uint(id)
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

const userColumns = `id, uuid, username, email, password_hash, salt, role_id, status,
	failed_attempts, last_failed_at, locked_until, last_login_at, last_login_ip,
	created_at, updated_at`

func (s *SQLiteStorage) scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	var lastFailedAt, lockedUntil, lastLoginAt sql.NullTime
	var lastLoginIP sql.NullString

	err := row.Scan(
		&user.ID, &user.UUID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Salt, &user.RoleID, &user.Status, &user.FailedAttempts,
		&lastFailedAt, &lockedUntil, &lastLoginAt, &lastLoginIP,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if lastFailedAt.Valid {
		user.LastFailedAt = &lastFailedAt.Time
	}
	if lockedUntil.Valid {
		user.LockedUntil = &lockedUntil.Time
	}
	if lastLoginAt.Valid {
		user.LastLoginAt = &lastLoginAt.Time
	}
	if lastLoginIP.Valid {
		user.LastLoginIP = lastLoginIP.String
	}

	return user, nil
}

func (s *SQLiteStorage) GetUserByUsername(username string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return s.scanUser(s.db.QueryRow(query, username))
}

func (s *SQLiteStorage) GetUserByID(id uint) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return s.scanUser(s.db.QueryRow(query, id))
}

func (s *SQLiteStorage) UpdateUser(user *User) error {
	query := `UPDATE users SET username = ?, email = ?, role_id = ?, status = ?,
			  updated_at = ? WHERE id = ?`

	_, err := s.db.Exec(query,
		user.Username, user.Email, user.RoleID, user.Status, time.Now(), user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpdatePassword(userID uint, hash, salt string) error {
	query := `UPDATE users SET password_hash = ?, salt = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.Exec(query, hash, salt, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Login security operations

func (s *SQLiteStorage) IncrementLoginAttempts(userID uint) (int, error) {
	// Single-statement increment so concurrent failures are all counted
	query := `UPDATE users SET failed_attempts = failed_attempts + 1,
			  last_failed_at = ?, updated_at = ?
			  WHERE id = ? RETURNING failed_attempts`

	now := time.Now()
	var count int
	err := s.db.QueryRow(query, now, now, userID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment login attempts: %w", err)
	}
	return count, nil
}

func (s *SQLiteStorage) ResetLoginAttempts(userID uint) error {
	query := `UPDATE users SET failed_attempts = 0, locked_until = NULL,
			  updated_at = ? WHERE id = ?`

	if _, err := s.db.Exec(query, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SetUserLocked(userID uint, until time.Time) error {
	query := `UPDATE users SET locked_until = ?, updated_at = ? WHERE id = ?`

	if _, err := s.db.Exec(query, until, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to lock user account: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateLastLogin(userID uint, ip string) error {
	query := `UPDATE users SET last_login_at = ?, last_login_ip = ?, updated_at = ?
			  WHERE id = ?`

	now := time.Now()
	if _, err := s.db.Exec(query, now, ip, now, userID); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// Session operations

func (s *SQLiteStorage) CreateSession(session *Session) error {
	now := time.Now()
	query := `INSERT INTO user_sessions (session_id, user_id, ip_address, user_agent,
			  created_at, last_activity, expires_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		session.ID, session.UserID, session.IPAddress, session.UserAgent,
		now, now, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	session.CreatedAt = now
	session.LastActivity = now
	return nil
}

func (s *SQLiteStorage) GetSession(id string) (*Session, error) {
	query := `SELECT session_id, user_id, ip_address, user_agent, created_at,
			  last_activity, expires_at FROM user_sessions WHERE session_id = ?`

	session := &Session{}
	err := s.db.QueryRow(query, id).Scan(
		&session.ID, &session.UserID, &session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.LastActivity, &session.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStorage) RenewSessionID(oldID, newID string, expiresAt time.Time) error {
	// created_at marks when the current identifier was issued, so it
	// resets on renewal
	query := `UPDATE user_sessions SET session_id = ?, expires_at = ?, last_activity = ?, created_at = ?
			  WHERE session_id = ?`

	now := time.Now()
	result, err := s.db.Exec(query, newID, expiresAt, now, now, oldID)
	if err != nil {
		return fmt.Errorf("failed to renew session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStorage) UpdateSessionActivity(id string) error {
	query := `UPDATE user_sessions SET last_activity = ? WHERE session_id = ?`

	if _, err := s.db.Exec(query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM user_sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteUserSessions(userID uint) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM user_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (s *SQLiteStorage) GetUserSessions(userID uint) ([]*Session, error) {
	query := `SELECT session_id, user_id, ip_address, user_agent, created_at,
			  last_activity, expires_at FROM user_sessions
			  WHERE user_id = ? AND expires_at > ?
			  ORDER BY last_activity DESC`

	rows, err := s.db.Query(query, userID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		if err := rows.Scan(
			&session.ID, &session.UserID, &session.IPAddress, &session.UserAgent,
			&session.CreatedAt, &session.LastActivity, &session.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStorage) CleanupExpiredSessions() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM user_sessions WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// Security event operations

func (s *SQLiteStorage) CreateSecurityEvent(event *SecurityEvent) error {
	now := time.Now()
	query := `INSERT INTO security_events (user_id, event_type, details, ip_address,
			  user_agent, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.Exec(query,
		event.UserID, event.EventType, event.Details, event.IPAddress,
		event.UserAgent, now)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}

	id, _ := result.LastInsertId()
	event.ID = uint(id)
	event.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) GetSecurityEvents(userID *uint, eventType string, limit, offset int) ([]*SecurityEvent, error) {
	query := `SELECT id, user_id, event_type, details, ip_address, user_agent, created_at
			  FROM security_events WHERE 1=1`
	args := []interface{}{}

	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		event := &SecurityEvent{}
		var eventUserID sql.NullInt64
		if err := rows.Scan(
			&event.ID, &eventUserID, &event.EventType, &event.Details,
			&event.IPAddress, &event.UserAgent, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if eventUserID.Valid {
			id := uint(eventUserID.Int64)
			event.UserID = &id
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Ping verifies the database connection is alive
func (s *SQLiteStorage) Ping() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
