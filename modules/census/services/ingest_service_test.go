package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestplot/censuscore/modules/census/domain/ingest"
	"github.com/forestplot/censuscore/modules/census/infrastructure/persistence"
	"github.com/forestplot/censuscore/pkg/repo"
	"github.com/forestplot/censuscore/pkg/testutils/stubdb"
)

// recordSleeps replaces the service's backoff wait with a recorder.
func recordSleeps(s *IngestService) *[]time.Duration {
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return &delays
}

func isRoutineCall(sql string) bool {
	return strings.Contains(sql, "ingest_process_batch")
}

func isQuarantineCall(sql string) bool {
	return strings.Contains(sql, "failed_measurements") || strings.HasPrefix(sql, "DELETE")
}

func TestProcessBatchFirstAttempt(t *testing.T) {
	gw := &stubdb.Gateway{}
	s := NewIngestService(gw, nil, IngestOptions{})
	recordSleeps(s)

	key := ingest.BatchKey{FileID: uuid.New(), BatchID: 1}
	outcome, err := s.ProcessBatch(context.Background(), "census", key)
	require.NoError(t, err)

	assert.Equal(t, ingest.StateIngested, outcome.State)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Len(t, gw.Commits, 1)
	assert.Empty(t, gw.Rollbacks)

	// The progress tracker advanced outside the batch transaction.
	var progressed bool
	for _, call := range gw.Calls {
		if strings.Contains(call.SQL, "LEAST(processed_batches + 1") {
			progressed = true
			assert.Empty(t, call.Token)
		}
	}
	assert.True(t, progressed)
}

func TestProcessBatchRetriesTransientFailures(t *testing.T) {
	var routineCalls int
	gw := &stubdb.Gateway{}
	gw.ExecFunc = func(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error) {
		if isRoutineCall(sql) {
			routineCalls++
			if routineCalls < 3 {
				return pgconn.CommandTag{}, stubdb.PgError("40001")
			}
		}
		return pgconn.CommandTag{}, nil
	}
	s := NewIngestService(gw, nil, IngestOptions{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	})
	delays := recordSleeps(s)

	outcome, err := s.ProcessBatch(context.Background(), "census", ingest.BatchKey{FileID: uuid.New(), BatchID: 1})
	require.NoError(t, err)

	assert.Equal(t, ingest.StateIngested, outcome.State)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Len(t, gw.Rollbacks, 2)
	assert.Len(t, gw.Commits, 1)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *delays)
}

func TestProcessBatchQuarantinesAfterExhaustion(t *testing.T) {
	bus := &recordingBus{}
	gw := &stubdb.Gateway{}
	gw.ExecFunc = func(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error) {
		if isRoutineCall(sql) {
			return pgconn.CommandTag{}, stubdb.PgError("40P01")
		}
		return pgconn.CommandTag{}, nil
	}
	s := NewIngestService(gw, bus, IngestOptions{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})
	delays := recordSleeps(s)

	key := ingest.BatchKey{FileID: uuid.New(), BatchID: 2}
	outcome, err := s.ProcessBatch(context.Background(), "census", key)
	require.NoError(t, err)

	assert.Equal(t, ingest.StateQuarantined, outcome.State)
	assert.Equal(t, 3, outcome.Attempts)
	// No sleep after the final failed attempt.
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, *delays)
	// Three failed attempts rolled back, the quarantine committed.
	assert.Len(t, gw.Rollbacks, 3)
	assert.Len(t, gw.Commits, 1)

	// The quarantine ran copy then delete on one transaction.
	var quarantineTokens []string
	for _, call := range gw.Calls {
		if isQuarantineCall(call.SQL) {
			quarantineTokens = append(quarantineTokens, call.Token)
		}
	}
	require.Len(t, quarantineTokens, 2)
	assert.Equal(t, quarantineTokens[0], quarantineTokens[1])

	require.Len(t, bus.events, 1)
	quarantined, ok := bus.events[0].(BatchQuarantined)
	require.True(t, ok)
	assert.Equal(t, key, quarantined.Key)
	assert.True(t, repo.IsRetryable(quarantined.Cause))
}

func TestProcessBatchNonRetryableFailure(t *testing.T) {
	gw := &stubdb.Gateway{}
	gw.ExecFunc = func(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error) {
		if isRoutineCall(sql) {
			return pgconn.CommandTag{}, stubdb.PgError("23505")
		}
		return pgconn.CommandTag{}, nil
	}
	s := NewIngestService(gw, nil, IngestOptions{})
	delays := recordSleeps(s)

	_, err := s.ProcessBatch(context.Background(), "census", ingest.BatchKey{FileID: uuid.New(), BatchID: 1})
	require.Error(t, err)
	assert.True(t, repo.IsDuplicateKey(err))

	// No retries, no quarantine: the batch stays staged for inspection.
	assert.Empty(t, *delays)
	assert.Len(t, gw.Rollbacks, 1)
	for _, call := range gw.Calls {
		assert.False(t, isQuarantineCall(call.SQL))
	}
}

func TestProcessBatchCancelledDuringBackoff(t *testing.T) {
	gw := &stubdb.Gateway{}
	gw.ExecFunc = func(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error) {
		if isRoutineCall(sql) {
			return pgconn.CommandTag{}, stubdb.PgError("40001")
		}
		return pgconn.CommandTag{}, nil
	}
	s := NewIngestService(gw, nil, IngestOptions{})
	s.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	_, err := s.ProcessBatch(context.Background(), "census", ingest.BatchKey{FileID: uuid.New(), BatchID: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, gw.Rollbacks, 1)
}

func TestQuarantineRetriesTransientBeginFailure(t *testing.T) {
	gw := &stubdb.Gateway{}
	gw.ExecFunc = func(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error) {
		if isRoutineCall(sql) {
			return pgconn.CommandTag{}, stubdb.PgError("40001")
		}
		return pgconn.CommandTag{}, nil
	}
	// Begins 1-3 serve the failed attempts; the quarantine's first Begin
	// fails with a transient error and must be retried, not fatal.
	var begins int
	gw.BeginFunc = func(ctx context.Context) (string, error) {
		begins++
		if begins == 4 {
			return "", repo.Classify(stubdb.PgError("40001"))
		}
		return fmt.Sprintf("tx-%d", begins), nil
	}
	s := NewIngestService(gw, nil, IngestOptions{MaxAttempts: 3, InitialBackoff: time.Millisecond})
	delays := recordSleeps(s)

	outcome, err := s.ProcessBatch(context.Background(), "census", ingest.BatchKey{FileID: uuid.New(), BatchID: 1})
	require.NoError(t, err)

	assert.Equal(t, ingest.StateQuarantined, outcome.State)
	// Two attempt backoffs plus one quarantine backoff.
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, time.Millisecond}, *delays)
	assert.Equal(t, 5, begins)
	assert.Len(t, gw.Commits, 1)
}

func TestProcessBatchQuarantineFailureIsFatal(t *testing.T) {
	gw := &stubdb.Gateway{}
	gw.ExecFunc = func(ctx context.Context, token, sql string, args ...any) (pgconn.CommandTag, error) {
		if isRoutineCall(sql) {
			return pgconn.CommandTag{}, stubdb.PgError("40001")
		}
		// The quarantine copy fails outright.
		return pgconn.CommandTag{}, stubdb.PgError("42P01")
	}
	s := NewIngestService(gw, nil, IngestOptions{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	recordSleeps(s)

	_, err := s.ProcessBatch(context.Background(), "census", ingest.BatchKey{FileID: uuid.New(), BatchID: 1})
	assert.ErrorIs(t, err, ErrQuarantineFailed)
}

func TestStageUploadChunks(t *testing.T) {
	gw := &stubdb.Gateway{}
	s := NewIngestService(gw, nil, IngestOptions{BatchSize: 2})

	rows := make([]persistence.Row, 5)
	for i := range rows {
		rows[i] = persistence.Row{"tree_tag": "T00" + string(rune('1'+i)), "dbh": float64(i)}
	}
	fileID := uuid.New()
	tracker, err := s.StageUpload(context.Background(), "census", fileID, "upload.csv", 1, 2, rows)
	require.NoError(t, err)

	assert.Equal(t, 3, tracker.TotalBatches)
	assert.Equal(t, fileID, tracker.FileID)

	// Three staged chunks plus the tracker row, all on the same transaction,
	// followed by exactly one commit.
	var stageCalls []stubdb.Call
	for _, call := range gw.Calls {
		if strings.Contains(call.SQL, "staging_measurements") {
			stageCalls = append(stageCalls, call)
		}
		assert.Equal(t, gw.Calls[0].Token, call.Token)
	}
	require.Len(t, stageCalls, 3)
	assert.Len(t, gw.Commits, 1)

	// Chunks carry 2, 2 and 1 rows: 6 columns per row after tagging.
	assert.Len(t, stageCalls[0].Args, 12)
	assert.Len(t, stageCalls[2].Args, 6)
}

func TestStageUploadEmpty(t *testing.T) {
	s := NewIngestService(&stubdb.Gateway{}, nil, IngestOptions{})
	_, err := s.StageUpload(context.Background(), "census", uuid.New(), "x.csv", 1, 2, nil)
	assert.ErrorIs(t, err, persistence.ErrEmptyRowSet)
}

func TestProcessScope(t *testing.T) {
	fileID := uuid.New()
	gw := &stubdb.Gateway{
		QueryFunc: func(ctx context.Context, token, sql string, args ...any) (pgx.Rows, error) {
			return &stubdb.Rows{Data: [][]any{
				{fileID, int64(1)},
				{fileID, int64(2)},
			}}, nil
		},
	}
	s := NewIngestService(gw, nil, IngestOptions{})
	recordSleeps(s)

	outcomes, err := s.ProcessScope(context.Background(), "census", 1, 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, ingest.StateIngested, outcomes[0].State)
	assert.Equal(t, int64(2), outcomes[1].Key.BatchID)
}

func TestVerifyProcessed(t *testing.T) {
	gw := &stubdb.Gateway{
		QueryRowFunc: func(ctx context.Context, token, sql string, args ...any) pgx.Row {
			if strings.Contains(sql, "staging_measurements") {
				return stubdb.Row{Values: []any{int64(0)}}
			}
			return stubdb.Row{Values: []any{int64(1200)}}
		},
	}
	s := NewIngestService(gw, nil, IngestOptions{})

	staged, produced, err := s.VerifyProcessed(context.Background(), "census", 1, 2)
	require.NoError(t, err)
	assert.Zero(t, staged)
	assert.Equal(t, int64(1200), produced)
}

func TestResolveReferenceRows(t *testing.T) {
	gw := &stubdb.Gateway{
		QueryRowFunc: func(ctx context.Context, token, sql string, args ...any) pgx.Row {
			return stubdb.Row{Values: []any{int64(1)}}
		},
	}
	s := NewIngestService(gw, nil, IngestOptions{})

	inputs := []persistence.Row{
		{"family": "Fagaceae", "genus": "Quercus", "species_code": "QUAL"},
		{"family": "Pinaceae", "genus": "Pinus", "species_code": "PIST"},
	}
	results, err := s.ResolveReferenceRows(context.Background(), "census", inputs, persistence.TaxonomySlices())
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Each input row resolved in its own committed transaction.
	assert.Len(t, gw.Commits, 2)
	assert.Empty(t, gw.Rollbacks)
}

func TestResolveReferenceRowsBadRowRollsBack(t *testing.T) {
	gw := &stubdb.Gateway{
		QueryRowFunc: func(ctx context.Context, token, sql string, args ...any) pgx.Row {
			return stubdb.Row{Values: []any{int64(1)}}
		},
	}
	s := NewIngestService(gw, nil, IngestOptions{})

	inputs := []persistence.Row{
		{"family": "Fagaceae", "genus": "Quercus", "species_code": "QUAL"},
		{"family": "Pinaceae"}, // missing genus
	}
	results, err := s.ResolveReferenceRows(context.Background(), "census", inputs, persistence.TaxonomySlices())
	require.Error(t, err)
	assert.Len(t, results, 1)
	assert.Len(t, gw.Commits, 1)
	assert.Len(t, gw.Rollbacks, 1)
}

type recordingBus struct {
	events []any
}

func (b *recordingBus) Publish(args ...interface{}) {
	b.events = append(b.events, args...)
}
func (b *recordingBus) Subscribe(handler interface{})   {}
func (b *recordingBus) Unsubscribe(handler interface{}) {}
func (b *recordingBus) Clear()                          {}
func (b *recordingBus) SubscribersCount() int           { return 0 }
