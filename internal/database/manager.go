package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctorhub/internal/retry"
	dbconfig "proctorhub/pkg/database"
	"proctorhub/pkg/interfaces"
)

var _ interfaces.Store = (*Manager)(nil)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("database manager is closed")

// Manager implements interfaces.Store on SQLite.
type Manager struct {
	db           *sql.DB
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: single-writer pattern for SQLite
	writeTimeout time.Duration
	retryDelay   time.Duration
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

// Option tunes a Manager.
type Option func(*Manager)

// WithWriteTimeout bounds how long a caller waits to enqueue a write.
func WithWriteTimeout(d time.Duration) Option { return func(m *Manager) { m.writeTimeout = d } }

// WithRetryDelay sets the pause before a failed write is retried once.
func WithRetryDelay(d time.Duration) Option { return func(m *Manager) { m.retryDelay = d } }

// NewManager opens the database. Migrations are applied separately.
func NewManager(config *dbconfig.Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}
	return newManager(db, logger, opts...), nil
}

func newManager(db *sql.DB, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		db:           db,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		writeTimeout: 30 * time.Second,
		retryDelay:   5 * time.Second,
		shutdown:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m
}

// writeLoop applies every write on one goroutine. A failed write is retried
// once after retryDelay unless it failed for a logical reason.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := retry.Do(op.ctx, 2, m.retryDelay, func(attempt int) error {
				err := op.operation(m.db)
				if err != nil && attempt == 1 && !isLogical(err) {
					m.logger.Warn("database write failed, retrying", "error", err)
				}
				if isLogical(err) {
					return retry.Permanent(err)
				}
				return err
			})
			if err != nil && !isLogical(err) {
				m.logger.Error("database write failed after retry", "error", err)
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down")
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func isLogical(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound) ||
		errors.Is(err, interfaces.ErrAlreadyDecided) ||
		errors.Is(err, interfaces.ErrAlreadyReviewed)
}

// executeWrite queues a write operation and waits for completion.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return errors.New("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrClosed
	}
	return <-result
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proctor_sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying pool for migrations.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
