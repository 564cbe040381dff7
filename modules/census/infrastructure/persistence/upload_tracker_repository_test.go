package persistence_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestplot/censuscore/modules/census/domain/ingest"
	"github.com/forestplot/censuscore/modules/census/infrastructure/persistence"
	"github.com/forestplot/censuscore/pkg/testutils/stubdb"
)

func TestUploadTrackerCreate(t *testing.T) {
	gw := &stubdb.Gateway{}
	r := persistence.NewUploadTrackerRepository(gw)

	tracker := &ingest.UploadTracker{
		FileID:       uuid.New(),
		FileName:     "plot1_census2.csv",
		PlotID:       1,
		CensusID:     2,
		TotalBatches: 8,
	}
	require.NoError(t, r.Create(context.Background(), "tx-1", "census", tracker))

	require.Len(t, gw.Calls, 1)
	call := gw.Calls[0]
	assert.Equal(t, "tx-1", call.Token)
	assert.Contains(t, call.SQL, `INSERT INTO "census"."upload_processing"`)
	assert.Contains(t, call.SQL, "ON CONFLICT (file_id) DO UPDATE")
	assert.Len(t, call.Args, 5)
}

func TestUploadTrackerIncrementProcessed(t *testing.T) {
	gw := &stubdb.Gateway{}
	r := persistence.NewUploadTrackerRepository(gw)

	fileID := uuid.New()
	require.NoError(t, r.IncrementProcessed(context.Background(), "census", fileID))

	require.Len(t, gw.Calls, 1)
	call := gw.Calls[0]
	assert.Empty(t, call.Token)
	assert.Contains(t, call.SQL, "LEAST(processed_batches + 1, total_batches)")
	assert.Equal(t, []any{fileID}, call.Args)
}

func TestUploadTrackerGet(t *testing.T) {
	gw := &stubdb.Gateway{
		QueryRowFunc: func(ctx context.Context, token, sql string, args ...any) pgx.Row {
			return stubdb.Row{Values: []any{"plot1.csv", int64(1), int64(2), 8, 3}}
		},
	}
	r := persistence.NewUploadTrackerRepository(gw)

	fileID := uuid.New()
	tracker, err := r.Get(context.Background(), "census", fileID)
	require.NoError(t, err)
	assert.Equal(t, fileID, tracker.FileID)
	assert.Equal(t, 8, tracker.TotalBatches)
	assert.Equal(t, 3, tracker.ProcessedBatches)
	assert.InDelta(t, 37.5, tracker.Percent(), 0.001)
}
