package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/forestplot/censuscore/modules/census/domain/ingest"
	"github.com/forestplot/censuscore/pkg/repo"
)

const trackerTable = "upload_processing"

// UploadTrackerRepository maintains the per-file processed/total batch
// counters read by progress pollers.
type UploadTrackerRepository struct {
	db repo.Executor
}

func NewUploadTrackerRepository(db repo.Executor) *UploadTrackerRepository {
	return &UploadTrackerRepository{db: db}
}

func (r *UploadTrackerRepository) Create(ctx context.Context, token, schema string, t *ingest.UploadTracker) error {
	table, err := repo.QualifyTable(schema, trackerTable)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (file_id, file_name, plot_id, census_id, total_batches, processed_batches)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (file_id) DO UPDATE SET total_batches = EXCLUDED.total_batches`,
		table,
	)
	_, err = r.db.Exec(ctx, token, stmt, t.FileID, t.FileName, t.PlotID, t.CensusID, t.TotalBatches)
	return err
}

// IncrementProcessed bumps the processed counter after a batch resolves.
// LEAST keeps the counter within total_batches even if an increment races a
// duplicate processor.
func (r *UploadTrackerRepository) IncrementProcessed(ctx context.Context, schema string, fileID uuid.UUID) error {
	table, err := repo.QualifyTable(schema, trackerTable)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`
		UPDATE %s
		   SET processed_batches = LEAST(processed_batches + 1, total_batches),
		       updated_at = now()
		 WHERE file_id = $1`,
		table,
	)
	_, err = r.db.Exec(ctx, "", stmt, fileID)
	return err
}

func (r *UploadTrackerRepository) Get(ctx context.Context, schema string, fileID uuid.UUID) (*ingest.UploadTracker, error) {
	table, err := repo.QualifyTable(schema, trackerTable)
	if err != nil {
		return nil, err
	}
	t := &ingest.UploadTracker{FileID: fileID}
	err = r.db.QueryRow(ctx, "",
		fmt.Sprintf(`SELECT file_name, plot_id, census_id, total_batches, processed_batches FROM %s WHERE file_id = $1`, table),
		fileID,
	).Scan(&t.FileName, &t.PlotID, &t.CensusID, &t.TotalBatches, &t.ProcessedBatches)
	if err != nil {
		return nil, err
	}
	return t, nil
}
