package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresStorage implements Interface for PostgreSQL databases
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(databaseDSN string) (*PostgresStorage, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgresStorage{db: db}, nil
}

// CreateTables creates all tables required by the auth engine
func (p *PostgresStorage) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			uuid VARCHAR(36) UNIQUE NOT NULL,
			username VARCHAR(50) UNIQUE NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			salt VARCHAR(64) NOT NULL,
			role_id INTEGER DEFAULT 0,
			status VARCHAR(20) DEFAULT 'active',
			failed_attempts INTEGER DEFAULT 0,
			last_failed_at TIMESTAMP WITH TIME ZONE,
			locked_until TIMESTAMP WITH TIME ZONE,
			last_login_at TIMESTAMP WITH TIME ZONE,
			last_login_ip VARCHAR(45) DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS user_sessions (
			session_id VARCHAR(128) PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			ip_address VARCHAR(45) NOT NULL,
			user_agent TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			last_activity TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_user_sessions_user_id ON user_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_sessions_expires_at ON user_sessions(expires_at)`,

		`CREATE TABLE IF NOT EXISTS security_events (
			id SERIAL PRIMARY KEY,
			user_id INTEGER,
			event_type VARCHAR(64) NOT NULL,
			details TEXT DEFAULT '',
			ip_address VARCHAR(45) DEFAULT '',
			user_agent TEXT DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_security_events_event_type ON security_events(event_type)`,
	}

	for _, query := range queries {
		if _, err := p.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return nil
}

// User operations

func (p *PostgresStorage) CreateUser(user *User) error {
	now := time.Now()
	query := `INSERT INTO users (uuid, username, email, password_hash, salt, role_id,
			  status, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`

	err := p.db.QueryRow(query,
		user.UUID, user.Username, user.Email, user.PasswordHash, user.Salt,
		user.RoleID, user.Status, now, now).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (p *PostgresStorage) scanUser(row *sql.Row) (*User, error) {
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

func (p *PostgresStorage) GetUserByUsername(username string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return p.scanUser(p.db.QueryRow(query, username))
}

func (p *PostgresStorage) GetUserByID(id uint) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return p.scanUser(p.db.QueryRow(query, id))
}

func (p *PostgresStorage) UpdateUser(user *User) error {
	query := `UPDATE users SET username = $1, email = $2, role_id = $3, status = $4,
			  updated_at = $5 WHERE id = $6`

	_, err := p.db.Exec(query,
		user.Username, user.Email, user.RoleID, user.Status, time.Now(), user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (p *PostgresStorage) UpdatePassword(userID uint, hash, salt string) error {
	query := `UPDATE users SET password_hash = $1, salt = $2, updated_at = $3 WHERE id = $4`

	result, err := p.db.Exec(query, hash, salt, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Login security operations

func (p *PostgresStorage) IncrementLoginAttempts(userID uint) (int, error) {
	// Single-statement increment so concurrent failures are all counted
	query := `UPDATE users SET failed_attempts = failed_attempts + 1,
			  last_failed_at = $1, updated_at = $2
			  WHERE id = $3 RETURNING failed_attempts`

	now := time.Now()
	var count int
	err := p.db.QueryRow(query, now, now, userID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment login attempts: %w", err)
	}
	return count, nil
}

func (p *PostgresStorage) ResetLoginAttempts(userID uint) error {
	query := `UPDATE users SET failed_attempts = 0, locked_until = NULL,
			  updated_at = $1 WHERE id = $2`

	if _, err := p.db.Exec(query, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}

func (p *PostgresStorage) SetUserLocked(userID uint, until time.Time) error {
	query := `UPDATE users SET locked_until = $1, updated_at = $2 WHERE id = $3`

	if _, err := p.db.Exec(query, until, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to lock user account: %w", err)
	}
	return nil
}

func (p *PostgresStorage) UpdateLastLogin(userID uint, ip string) error {
	query := `UPDATE users SET last_login_at = $1, last_login_ip = $2, updated_at = $3
			  WHERE id = $4`

	now := time.Now()
	if _, err := p.db.Exec(query, now, ip, now, userID); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// Session operations

func (p *PostgresStorage) CreateSession(session *Session) error {
	now := time.Now()
	query := `INSERT INTO user_sessions (session_id, user_id, ip_address, user_agent,
			  created_at, last_activity, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.db.Exec(query,
		session.ID, session.UserID, session.IPAddress, session.UserAgent,
		now, now, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	session.CreatedAt = now
	session.LastActivity = now
	return nil
}

func (p *PostgresStorage) GetSession(id string) (*Session, error) {
	query := `SELECT session_id, user_id, ip_address, user_agent, created_at,
			  last_activity, expires_at FROM user_sessions WHERE session_id = $1`

	session := &Session{}
	err := p.db.QueryRow(query, id).Scan(
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

func (p *PostgresStorage) RenewSessionID(oldID, newID string, expiresAt time.Time) error {
	// created_at marks when the current identifier was issued, so it
	// resets on renewal
	query := `UPDATE user_sessions SET session_id = $1, expires_at = $2, last_activity = $3, created_at = $4
			  WHERE session_id = $5`

	now := time.Now()
	result, err := p.db.Exec(query, newID, expiresAt, now, now, oldID)
	if err != nil {
		return fmt.Errorf("failed to renew session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStorage) UpdateSessionActivity(id string) error {
	query := `UPDATE user_sessions SET last_activity = $1 WHERE session_id = $2`

	if _, err := p.db.Exec(query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

func (p *PostgresStorage) DeleteSession(id string) error {
	if _, err := p.db.Exec(`DELETE FROM user_sessions WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (p *PostgresStorage) DeleteUserSessions(userID uint) (int64, error) {
	result, err := p.db.Exec(`DELETE FROM user_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (p *PostgresStorage) GetUserSessions(userID uint) ([]*Session, error) {
	query := `SELECT session_id, user_id, ip_address, user_agent, created_at,
			  last_activity, expires_at FROM user_sessions
			  WHERE user_id = $1 AND expires_at > $2
			  ORDER BY last_activity DESC`

	rows, err := p.db.Query(query, userID, time.Now())
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

func (p *PostgresStorage) CleanupExpiredSessions() (int64, error) {
	result, err := p.db.Exec(`DELETE FROM user_sessions WHERE expires_at < $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// Security event operations

func (p *PostgresStorage) CreateSecurityEvent(event *SecurityEvent) error {
	now := time.Now()
	query := `INSERT INTO security_events (user_id, event_type, details, ip_address,
			  user_agent, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	err := p.db.QueryRow(query,
		event.UserID, event.EventType, event.Details, event.IPAddress,
		event.UserAgent, now).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}

	event.CreatedAt = now
	return nil
}

func (p *PostgresStorage) GetSecurityEvents(userID *uint, eventType string, limit, offset int) ([]*SecurityEvent, error) {
	query := `SELECT id, user_id, event_type, details, ip_address, user_agent, created_at
			  FROM security_events WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if userID != nil {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, *userID)
		argIdx++
	}
	if eventType != "" {
		query += fmt.Sprintf(` AND event_type = $%d`, argIdx)
		args = append(args, eventType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := p.db.Query(query, args...)
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
func (p *PostgresStorage) Ping() error {
	return p.db.Ping()
}

// Close closes the database connection
func (p *PostgresStorage) Close() error {
	return p.db.Close()
}
