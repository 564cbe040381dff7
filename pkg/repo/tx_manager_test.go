package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestplot/censuscore/pkg/repo"
	"github.com/forestplot/censuscore/pkg/testutils/stubdb"
)

func TestManagerBeginIssuesDistinctTokens(t *testing.T) {
	db := &stubdb.DB{}
	m := repo.NewManager(db, repo.ManagerOptions{})

	ctx := context.Background()
	t1, err := m.Begin(ctx)
	require.NoError(t, err)
	t2, err := m.Begin(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, t1, t2)
	assert.Equal(t, 2, m.Open())
}

func TestManagerRoutesByToken(t *testing.T) {
	db := &stubdb.DB{}
	m := repo.NewManager(db, repo.ManagerOptions{})
	ctx := context.Background()

	token, err := m.Begin(ctx)
	require.NoError(t, err)

	_, err = m.Exec(ctx, token, "UPDATE trees SET tag = $1", "T001")
	require.NoError(t, err)

	// Empty token goes to the pool, not the transaction.
	_, err = m.Exec(ctx, "", "SELECT 1")
	require.NoError(t, err)

	require.Len(t, db.Txs, 1)
	require.Len(t, db.Txs[0].Calls, 1)
	assert.Equal(t, "UPDATE trees SET tag = $1", db.Txs[0].Calls[0].SQL)
	require.Len(t, db.Calls, 1)
	assert.Equal(t, "SELECT 1", db.Calls[0].SQL)
}

func TestManagerUnknownToken(t *testing.T) {
	m := repo.NewManager(&stubdb.DB{}, repo.ManagerOptions{})
	ctx := context.Background()

	_, err := m.Exec(ctx, "no-such-token", "SELECT 1")
	assert.ErrorIs(t, err, repo.ErrUnknownTx)

	_, err = m.Query(ctx, "no-such-token", "SELECT 1")
	assert.ErrorIs(t, err, repo.ErrUnknownTx)

	err = m.QueryRow(ctx, "no-such-token", "SELECT 1").Scan(new(int))
	assert.ErrorIs(t, err, repo.ErrUnknownTx)
}

func TestManagerCommitFinalizesToken(t *testing.T) {
	db := &stubdb.DB{}
	m := repo.NewManager(db, repo.ManagerOptions{})
	ctx := context.Background()

	token, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, token))
	assert.Equal(t, 0, m.Open())
	assert.Equal(t, 1, db.Txs[0].Commits)

	// The token is dead: statements fail, double finalize is a no-op.
	_, err = m.Exec(ctx, token, "SELECT 1")
	assert.ErrorIs(t, err, repo.ErrUnknownTx)
	assert.NoError(t, m.Commit(ctx, token))
	assert.NoError(t, m.Rollback(ctx, token))
	assert.Equal(t, 1, db.Txs[0].Commits)
	assert.Equal(t, 0, db.Txs[0].Rollbacks)
}

func TestManagerRollbackFinalizesToken(t *testing.T) {
	db := &stubdb.DB{}
	m := repo.NewManager(db, repo.ManagerOptions{})
	ctx := context.Background()

	token, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, token))
	assert.Equal(t, 1, db.Txs[0].Rollbacks)
	assert.NoError(t, m.Rollback(ctx, token))
	assert.Equal(t, 1, db.Txs[0].Rollbacks)
}

func TestManagerBeginPoolExhausted(t *testing.T) {
	db := &stubdb.DB{
		BeginFunc: func(ctx context.Context) (repo.Tx, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m := repo.NewManager(db, repo.ManagerOptions{AcquireWait: 10 * time.Millisecond})

	_, err := m.Begin(context.Background())
	assert.ErrorIs(t, err, repo.ErrPoolExhausted)
}

func TestManagerBeginCancelledCaller(t *testing.T) {
	db := &stubdb.DB{
		BeginFunc: func(ctx context.Context) (repo.Tx, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m := repo.NewManager(db, repo.ManagerOptions{AcquireWait: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Begin(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, repo.ErrPoolExhausted)
}

func TestManagerClassifiesDriverErrors(t *testing.T) {
	db := &stubdb.DB{}
	m := repo.NewManager(db, repo.ManagerOptions{})
	ctx := context.Background()

	token, err := m.Begin(ctx)
	require.NoError(t, err)
	db.Txs[0].ExecFunc = func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, stubdb.PgError("40P01")
	}

	_, err = m.Exec(ctx, token, "SELECT census.ingest_process_batch($1, $2)", "f", 1)
	require.Error(t, err)
	assert.True(t, repo.IsRetryable(err))
	assert.Equal(t, "40P01", repo.SQLState(err))
}
