package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/forestplot/censuscore/modules/census/domain/ingest"
	"github.com/forestplot/censuscore/pkg/repo"
)

const stagingTable = "staging_measurements"

// StagingRepository owns the upload-scoped staging area and the server-side
// ingestion routine invocation.
type StagingRepository struct {
	db repo.Executor
}

func NewStagingRepository(db repo.Executor) *StagingRepository {
	return &StagingRepository{db: db}
}

// Stage bulk-inserts rows into the staging table on the given transaction.
// Rows must already carry file_id, batch_id, plot_id and census_id.
func (r *StagingRepository) Stage(ctx context.Context, token, schema string, rows []Row) (int64, error) {
	stmt, args, err := BuildBulkUpsert(schema, stagingTable, rows, "id")
	if err != nil {
		return 0, err
	}
	tag, err := r.db.Exec(ctx, token, stmt, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DiscoverBatches enumerates the distinct batches staged for a (plot, census)
// scope. The ordering is the processing order: file first, then batch, which
// keeps per-file progress counters monotonic.
func (r *StagingRepository) DiscoverBatches(ctx context.Context, schema string, plotID, censusID int64) ([]ingest.BatchKey, error) {
	table, err := repo.QualifyTable(schema, stagingTable)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(
		`SELECT DISTINCT file_id, batch_id FROM %s WHERE plot_id = $1 AND census_id = $2 ORDER BY file_id, batch_id`,
		table,
	)
	rows, err := r.db.Query(ctx, "", q, plotID, censusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []ingest.BatchKey
	for rows.Next() {
		var k ingest.BatchKey
		if err := rows.Scan(&k.FileID, &k.BatchID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// RunIngestRoutine invokes the opaque server-side bulk-insert routine for one
// batch on the caller's transaction. The routine moves the batch's staged
// rows into the production tables and removes them from staging.
func (r *StagingRepository) RunIngestRoutine(ctx context.Context, token, schema string, key ingest.BatchKey) error {
	if err := repo.ValidateIdent(schema); err != nil {
		return err
	}
	routine := pgx.Identifier{schema, "ingest_process_batch"}.Sanitize()
	_, err := r.db.Exec(ctx, token, fmt.Sprintf(`SELECT %s($1, $2)`, routine), key.FileID, key.BatchID)
	return err
}

// Quarantine moves one batch's staged rows into the permanent failure table
// and deletes them from staging. Both statements run on the caller's
// transaction so the batch can never end up in both tables, or in neither.
// Blank strings and zero sentinels are normalized to NULL on the way.
func (r *StagingRepository) Quarantine(ctx context.Context, token, schema string, key ingest.BatchKey) error {
	staging, err := repo.QualifyTable(schema, stagingTable)
	if err != nil {
		return err
	}
	failures, err := repo.QualifyTable(schema, "failed_measurements")
	if err != nil {
		return err
	}

	copyStmt := fmt.Sprintf(`
		INSERT INTO %s (
			plot_id, census_id,
			tree_tag, stem_tag, species_code, quadrat_name,
			local_x, local_y, dbh, hom,
			measurement_date, codes, comments
		)
		SELECT
			plot_id, census_id,
			NULLIF(tree_tag, ''), NULLIF(stem_tag, ''), NULLIF(species_code, ''), NULLIF(quadrat_name, ''),
			NULLIF(local_x, 0), NULLIF(local_y, 0), NULLIF(dbh, 0), NULLIF(hom, 0),
			measurement_date, NULLIF(codes, ''), NULLIF(comments, '')
		FROM %s
		WHERE file_id = $1 AND batch_id = $2`,
		failures, staging,
	)
	if _, err := r.db.Exec(ctx, token, copyStmt, key.FileID, key.BatchID); err != nil {
		return err
	}

	deleteStmt := fmt.Sprintf(`DELETE FROM %s WHERE file_id = $1 AND batch_id = $2`, staging)
	if _, err := r.db.Exec(ctx, token, deleteStmt, key.FileID, key.BatchID); err != nil {
		return err
	}
	return nil
}

// StagedCount reports rows still waiting in staging for the scope.
func (r *StagingRepository) StagedCount(ctx context.Context, schema string, plotID, censusID int64) (int64, error) {
	table, err := repo.QualifyTable(schema, stagingTable)
	if err != nil {
		return 0, err
	}
	var count int64
	err = r.db.QueryRow(ctx, "",
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE plot_id = $1 AND census_id = $2`, table),
		plotID, censusID,
	).Scan(&count)
	return count, err
}

// ProducedCount reports measurement rows already in the production table for
// the scope.
func (r *StagingRepository) ProducedCount(ctx context.Context, schema string, plotID, censusID int64) (int64, error) {
	table, err := repo.QualifyTable(schema, "core_measurements")
	if err != nil {
		return 0, err
	}
	var count int64
	err = r.db.QueryRow(ctx, "",
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE plot_id = $1 AND census_id = $2`, table),
		plotID, censusID,
	).Scan(&count)
	return count, err
}
