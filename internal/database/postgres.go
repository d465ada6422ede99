package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stwalsh4118/atlas/listings/internal/logger"
	"github.com/stwalsh4118/atlas/listings/internal/monitoring"
)

const (
	// DefaultMaxAttempts bounds one connect cycle.
	DefaultMaxAttempts = 5
	// DefaultBackoff is the fixed wait between two failed connect attempts.
	DefaultBackoff = 2 * time.Second
	// LivenessTimeout caps the ping issued before every data operation.
	LivenessTimeout = 2 * time.Second
)

var (
	// ErrConnectionExhausted is returned when every connect attempt failed.
	ErrConnectionExhausted = errors.New("could not connect to database after multiple retries")
	// ErrNotConnected is returned when no handle is held.
	ErrNotConnected = errors.New("database connection not established")
)

// Conn is the subset of *pgx.Conn the manager and repositories rely on.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	IsClosed() bool
	Close(ctx context.Context) error
}

// Dialer opens a new connection from pass-through connection parameters.
type Dialer func(ctx context.Context, params map[string]string) (Conn, error)

// ConnStats counts connection lifecycle events.
type ConnStats struct {
	Connected      bool `json:"connected"`
	Connects       int  `json:"connects"`
	Reconnects     int  `json:"reconnects"`
	FailedAttempts int  `json:"failed_attempts"`
}

// Manager owns a single PostgreSQL connection. It connects with bounded
// retry, checks liveness before each use and reconnects transparently.
//
// A Manager is not safe for concurrent use; callers must serialize access.
type Manager struct {
	params          map[string]string
	dial            Dialer
	maxAttempts     int
	backoff         time.Duration
	livenessTimeout time.Duration
	log             *logger.Logger
	metrics         *monitoring.Metrics

	conn  Conn
	stats ConnStats
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMaxAttempts overrides the number of attempts per connect cycle.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackoff overrides the wait between failed attempts.
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.backoff = d
		}
	}
}

// WithDialer replaces the pgx dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// WithLogger sets the logger used for connection events.
func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log.WithComponent("database")
		}
	}
}

// WithMetrics records connect attempts on the given collectors.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// New creates a Manager and establishes the first connection.
// It returns an error wrapping ErrConnectionExhausted if that fails.
func New(ctx context.Context, params map[string]string, opts ...Option) (*Manager, error) {
	m := &Manager{
		params:          copyParams(params),
		dial:            PgxDialer,
		maxAttempts:     DefaultMaxAttempts,
		backoff:         DefaultBackoff,
		livenessTimeout: LivenessTimeout,
		log:             logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Connect (re)establishes the connection, closing any stale handle first.
func (m *Manager) Connect(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		m.closeStale(ctx)

		conn, err := m.dial(ctx, m.params)
		if err == nil {
			if m.stats.Connects > 0 {
				m.stats.Reconnects++
			}
			m.stats.Connects++
			m.conn = conn
			m.metrics.IncConnectAttempt(true)
			m.log.Info("Database connection established", map[string]interface{}{
				"attempt": attempt,
				"host":    m.params["host"],
				"dbname":  m.params["dbname"],
			})
			return nil
		}

		lastErr = err
		m.stats.FailedAttempts++
		m.metrics.IncConnectAttempt(false)
		m.log.Warn("Database connection attempt failed", map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": m.maxAttempts,
			"error":        err.Error(),
		})

		if attempt < m.maxAttempts {
			if err := sleep(ctx, m.backoff); err != nil {
				return fmt.Errorf("database connect interrupted after %d attempts: %w", attempt, err)
			}
		}
	}

	return fmt.Errorf("%w (%d attempts): %w", ErrConnectionExhausted, m.maxAttempts, lastErr)
}

// EnsureConnection makes sure a live handle is held before a data
// operation. A missing or closed handle, or a failed liveness ping, triggers
// Connect; the ping error itself is not returned.
func (m *Manager) EnsureConnection(ctx context.Context) error {
	if m.conn == nil || m.conn.IsClosed() {
		return m.Connect(ctx)
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.livenessTimeout)
	defer cancel()

	if err := m.conn.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("Database liveness check failed, reconnecting", map[string]interface{}{
			"error": err.Error(),
		})
		return m.Connect(ctx)
	}
	return nil
}

// Conn returns the current handle, which may be nil.
func (m *Manager) Conn() Conn {
	return m.conn
}

// Ping checks the held connection without reconnecting.
func (m *Manager) Ping(ctx context.Context) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	return m.conn.Ping(ctx)
}

// WithTx runs fn inside a transaction on a live connection. The transaction
// commits when fn returns nil and rolls back on error or panic.
func (m *Manager) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	if err := m.EnsureConnection(ctx); err != nil {
		return err
	}

	tx, err := m.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				m.log.Error("Transaction rollback failed", rbErr, map[string]interface{}{
					"original_error": err.Error(),
				})
			}
			return
		}
		if cErr := tx.Commit(ctx); cErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cErr)
		}
	}()

	return fn(tx)
}

// Close releases the connection. Calling it more than once is safe.
func (m *Manager) Close(ctx context.Context) error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close(ctx)
	m.conn = nil
	return err
}

// Stats returns connection lifecycle counters.
func (m *Manager) Stats() ConnStats {
	s := m.stats
	s.Connected = m.conn != nil && !m.conn.IsClosed()
	return s
}

func (m *Manager) closeStale(ctx context.Context) {
	if m.conn == nil {
		return
	}
	if err := m.conn.Close(ctx); err != nil {
		m.log.Debug("Closing stale connection failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	m.conn = nil
}

// PgxDialer connects with pgx using the keyword/value rendering of params.
func PgxDialer(ctx context.Context, params map[string]string) (Conn, error) {
	cfg, err := pgx.ParseConfig(ConnString(params))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

// ConnString renders params as a libpq keyword/value string with keys in
// sorted order. Values are quoted when needed.
func ConnString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteValue(params[k]))
	}
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
