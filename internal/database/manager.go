package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"examrelay/internal/logging"
	dbconfig "examrelay/pkg/database"
	"examrelay/pkg/interfaces"
)

const (
	writeQueueSize = 100
	writeTimeout   = 30 * time.Second
)

// retryDelay is a var so tests can shorten it
var retryDelay = 250 * time.Millisecond

// ErrManagerClosed is returned for writes after Close
var ErrManagerClosed = errors.New("database manager is closed")

// Manager implements interfaces.TokenStore on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	logger       *zap.Logger
}

var _ interfaces.TokenStore = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pragmas and starts the writer goroutine.
// Migrations are applied separately through pkg/database.MigrationManager.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		logger:       logging.OrNop(logger).Named("database"),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// FUNCTIONAL DISCOVERY: Only lock contention is worth a second attempt;
			// constraint violations and missing rows would fail identically
			if isContention(err) {
				m.logger.Warn("database write contended, retrying once", zap.Duration("delay", retryDelay), zap.Error(err))
				time.Sleep(retryDelay)
				err = op.operation(m.db)
			}
			if err != nil {
				m.logger.Debug("database write failed", zap.Error(err))
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down")
			return
		}
	}
}

func isContention(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(writeTimeout):
		return errors.New("write operation timeout")
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		// TECHNICAL DISCOVERY: writeLoop may exit with the operation still queued
		return ErrManagerClosed
	}
}

// CreateToken stores a new access token. Only TokenHash is persisted, never the raw token.
func (m *Manager) CreateToken(ctx context.Context, token *interfaces.AccessToken) error {
	if token == nil || token.ID == "" || token.PrincipalID == "" || token.TokenHash == "" {
		return errors.New("token id, principal id and hash are required")
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO access_tokens (id, principal_id, display_name, token_hash, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			token.ID,
			token.PrincipalID,
			token.DisplayName,
			token.TokenHash,
			token.CreatedAt,
			token.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert access token: %w", err)
		}
		return nil
	})
}

// GetTokenByHash looks a token up by hash, returning revoked and expired tokens too;
// the caller decides with AccessToken.Active
func (m *Manager) GetTokenByHash(ctx context.Context, tokenHash string) (*interfaces.AccessToken, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	row := m.db.QueryRowContext(ctx, `
		SELECT id, principal_id, display_name, token_hash, created_at, expires_at, revoked_at
		FROM access_tokens
		WHERE token_hash = ?
	`, tokenHash)

	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to query access token: %w", err)
	}
	return token, nil
}

// RevokeToken marks a token revoked; revoking twice keeps the first timestamp
func (m *Manager) RevokeToken(ctx context.Context, tokenID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `
			UPDATE access_tokens
			SET revoked_at = COALESCE(revoked_at, ?)
			WHERE id = ?
		`, time.Now().UTC(), tokenID)
		if err != nil {
			return fmt.Errorf("failed to revoke access token: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read revoke result: %w", err)
		}
		if affected == 0 {
			return interfaces.ErrTokenNotFound
		}
		return nil
	})
}

// ListActiveTokens returns unrevoked, unexpired tokens, newest first
func (m *Manager) ListActiveTokens(ctx context.Context) ([]*interfaces.AccessToken, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, principal_id, display_name, token_hash, created_at, expires_at, revoked_at
		FROM access_tokens
		WHERE revoked_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := time.Now()
	var tokens []*interfaces.AccessToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		// TECHNICAL DISCOVERY: Expiry is filtered in Go; SQLite compares the driver's
		// timestamp text lexically, which is unreliable across time zones
		if token.Active(now) {
			tokens = append(tokens, token)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token rows: %w", err)
	}
	return tokens, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*interfaces.AccessToken, error) {
	var token interfaces.AccessToken
	var expiresAt, revokedAt sql.NullTime

	if err := row.Scan(
		&token.ID,
		&token.PrincipalID,
		&token.DisplayName,
		&token.TokenHash,
		&token.CreatedAt,
		&expiresAt,
		&revokedAt,
	); err != nil {
		return nil, err
	}

	// FUNCTIONAL DISCOVERY: Handle nullable timestamps
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}
	return &token, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_tokens").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
