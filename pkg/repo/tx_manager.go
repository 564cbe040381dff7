package repo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/forestplot/censuscore/pkg/logging"
)

type ManagerOptions struct {
	// AcquireWait bounds how long Begin blocks on pool contention before
	// failing with ErrPoolExhausted.
	AcquireWait time.Duration

	Logger *logrus.Entry
}

func (o *ManagerOptions) setDefaults() {
	if o.AcquireWait == 0 {
		o.AcquireWait = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.NopEntry()
	}
}

// Manager is the sole database gateway. It hands out opaque transaction
// tokens and routes statements to the bound transaction, or to an ad-hoc
// pooled connection when no token is given. A token must not be used
// concurrently from multiple goroutines; per-token exclusivity is the
// caller's responsibility.
type Manager struct {
	db   DB
	opts ManagerOptions

	mu  sync.Mutex
	txs map[string]Tx
}

func NewManager(db DB, opts ManagerOptions) *Manager {
	opts.setDefaults()
	return &Manager{
		db:   db,
		opts: opts,
		txs:  make(map[string]Tx),
	}
}

// Begin starts a transaction and returns a fresh opaque token for it.
func (m *Manager) Begin(ctx context.Context) (string, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.opts.AcquireWait)
	defer cancel()

	tx, err := m.db.Begin(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", ErrPoolExhausted
		}
		return "", Classify(err)
	}

	token := uuid.NewString()
	m.mu.Lock()
	m.txs[token] = tx
	m.mu.Unlock()
	return token, nil
}

// Commit finalizes the token's transaction. Committing an unknown or already
// finalized token logs a warning and is otherwise a no-op.
func (m *Manager) Commit(ctx context.Context, token string) error {
	tx := m.take(token)
	if tx == nil {
		m.opts.Logger.WithField("token", token).Warn("commit on unknown or finalized transaction token")
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return Classify(err)
	}
	return nil
}

// Rollback finalizes the token's transaction. Like Commit, double finalize is
// a logged no-op.
func (m *Manager) Rollback(ctx context.Context, token string) error {
	tx := m.take(token)
	if tx == nil {
		m.opts.Logger.WithField("token", token).Warn("rollback on unknown or finalized transaction token")
		return nil
	}
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return Classify(err)
	}
	return nil
}

func (m *Manager) Exec(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error) {
	if token == "" {
		tag, err := m.db.Exec(ctx, sql, args...)
		return tag, Classify(err)
	}
	tx := m.lookup(token)
	if tx == nil {
		return pgconn.CommandTag{}, ErrUnknownTx
	}
	tag, err := tx.Exec(ctx, sql, args...)
	return tag, Classify(err)
}

func (m *Manager) Query(ctx context.Context, token, sql string, args ...any) (pgx.Rows, error) {
	if token == "" {
		rows, err := m.db.Query(ctx, sql, args...)
		return rows, Classify(err)
	}
	tx := m.lookup(token)
	if tx == nil {
		return nil, ErrUnknownTx
	}
	rows, err := tx.Query(ctx, sql, args...)
	return rows, Classify(err)
}

func (m *Manager) QueryRow(ctx context.Context, token, sql string, args ...any) pgx.Row {
	if token == "" {
		return m.db.QueryRow(ctx, sql, args...)
	}
	tx := m.lookup(token)
	if tx == nil {
		return errRow{err: ErrUnknownTx}
	}
	return tx.QueryRow(ctx, sql, args...)
}

// Open reports how many transactions are currently in flight.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func (m *Manager) lookup(token string) Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[token]
}

func (m *Manager) take(token string) Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.txs[token]
	delete(m.txs, token)
	return tx
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error {
	return r.err
}

type poolDB struct {
	pool *pgxpool.Pool
}

// NewDB wraps a pgx pool as the DB handle consumed by the manager.
func NewDB(pool *pgxpool.Pool) DB {
	return poolDB{pool: pool}
}

func (d poolDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (d poolDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return d.pool.Exec(ctx, sql, args...)
}

func (d poolDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.pool.Query(ctx, sql, args...)
}

func (d poolDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.pool.QueryRow(ctx, sql, args...)
}
