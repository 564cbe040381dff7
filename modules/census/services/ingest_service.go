package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/forestplot/censuscore/modules/census/domain/ingest"
	"github.com/forestplot/censuscore/modules/census/infrastructure/persistence"
	"github.com/forestplot/censuscore/pkg/eventbus"
	"github.com/forestplot/censuscore/pkg/logging"
	"github.com/forestplot/censuscore/pkg/repo"
	"github.com/forestplot/censuscore/pkg/serrors"
)

var ErrQuarantineFailed = serrors.NewError(
	"QUARANTINE_FAILED",
	"failed to move exhausted batch to the failure table",
	"the batch remains in staging; inspect the database and re-run processing",
)

// quarantine itself runs against the same database that just failed the
// batch, so it gets a short retry budget of its own.
const quarantineAttempts = 3

type IngestOptions struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *logrus.Entry
}

func (o *IngestOptions) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.NopEntry()
	}
}

// IngestService drives uploads through the staging pipeline: chunked staging,
// per-batch ingestion with retry and backoff, quarantine of poison batches,
// and progress tracking.
type IngestService struct {
	txm      repo.TxManager
	staging  *persistence.StagingRepository
	tracker  *persistence.UploadTrackerRepository
	resolver *persistence.HierarchyResolver
	bus      eventbus.EventBus
	opts     IngestOptions
	log      *logrus.Entry

	// sleep is swapped out in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewIngestService(txm repo.TxManager, bus eventbus.EventBus, opts IngestOptions) *IngestService {
	opts.setDefaults()
	return &IngestService{
		txm:      txm,
		staging:  persistence.NewStagingRepository(txm),
		tracker:  persistence.NewUploadTrackerRepository(txm),
		resolver: persistence.NewHierarchyResolver(txm, opts.Logger),
		bus:      bus,
		opts:     opts,
		log:      opts.Logger,
		sleep:    sleepContext,
	}
}

// StageUpload splits the upload into fixed-size batches, writes them to the
// staging table in a single transaction and registers a progress tracker for
// the file. Row order within the upload is preserved.
func (s *IngestService) StageUpload(
	ctx context.Context,
	schema string,
	fileID uuid.UUID,
	fileName string,
	plotID, censusID int64,
	rows []persistence.Row,
) (*ingest.UploadTracker, error) {
	if len(rows) == 0 {
		return nil, persistence.ErrEmptyRowSet
	}

	token, err := s.txm.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.txm.Rollback(ctx, token)

	totalBatches := (len(rows) + s.opts.BatchSize - 1) / s.opts.BatchSize
	for batch := 0; batch < totalBatches; batch++ {
		start := batch * s.opts.BatchSize
		end := start + s.opts.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := make([]persistence.Row, 0, end-start)
		for _, row := range rows[start:end] {
			tagged := make(persistence.Row, len(row)+4)
			for k, v := range row {
				tagged[k] = v
			}
			tagged["file_id"] = fileID
			tagged["batch_id"] = int64(batch + 1)
			tagged["plot_id"] = plotID
			tagged["census_id"] = censusID
			chunk = append(chunk, tagged)
		}
		if _, err := s.staging.Stage(ctx, token, schema, chunk); err != nil {
			return nil, fmt.Errorf("stage batch %d: %w", batch+1, err)
		}
	}

	t := &ingest.UploadTracker{
		FileID:       fileID,
		FileName:     fileName,
		PlotID:       plotID,
		CensusID:     censusID,
		TotalBatches: totalBatches,
	}
	if err := s.tracker.Create(ctx, token, schema, t); err != nil {
		return nil, err
	}
	if err := s.txm.Commit(ctx, token); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"file_id": fileID,
		"rows":    len(rows),
		"batches": totalBatches,
	}).Info("upload staged")
	return t, nil
}

// ProcessBatch drives one staged batch to a terminal state. Transient
// database errors are retried with doubling backoff up to MaxAttempts; a
// batch that exhausts its attempts is quarantined. Non-retryable errors and
// context cancellation abort processing with the batch still staged.
func (s *IngestService) ProcessBatch(ctx context.Context, schema string, key ingest.BatchKey) (*ingest.BatchOutcome, error) {
	log := s.log.WithField("batch", key.String())
	started := time.Now()

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		metrics().attempts.Inc()

		err := s.attemptBatch(ctx, schema, key)
		if err == nil {
			metrics().batchesIngested.Inc()
			metrics().batchDuration.Observe(time.Since(started).Seconds())
			if err := s.tracker.IncrementProcessed(ctx, schema, key.FileID); err != nil {
				log.WithError(err).Warn("failed to advance upload progress")
			}
			s.publish(BatchIngested{Key: key, Attempts: attempt})
			log.WithField("attempts", attempt).Info("batch ingested")
			return &ingest.BatchOutcome{Key: key, State: ingest.StateIngested, Attempts: attempt}, nil
		}

		if !repo.IsRetryable(err) {
			return nil, fmt.Errorf("batch %s attempt %d: %w", key, attempt, err)
		}
		metrics().retryableErrors.Inc()
		lastErr = err

		if attempt < s.opts.MaxAttempts {
			delay := backoffDelay(attempt, s.opts.InitialBackoff, s.opts.MaxBackoff)
			log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("retryable failure, backing off")
			if err := s.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	log.WithError(lastErr).WithField("attempts", s.opts.MaxAttempts).Error("batch exhausted retries, quarantining")
	if err := s.quarantine(ctx, schema, key); err != nil {
		return nil, fmt.Errorf("%w: batch %s: %v", ErrQuarantineFailed, key, err)
	}
	metrics().batchesQuarantined.Inc()
	metrics().batchDuration.Observe(time.Since(started).Seconds())
	if err := s.tracker.IncrementProcessed(ctx, schema, key.FileID); err != nil {
		log.WithError(err).Warn("failed to advance upload progress")
	}
	s.publish(BatchQuarantined{Key: key, Attempts: s.opts.MaxAttempts, Cause: lastErr})
	return &ingest.BatchOutcome{Key: key, State: ingest.StateQuarantined, Attempts: s.opts.MaxAttempts}, nil
}

func (s *IngestService) attemptBatch(ctx context.Context, schema string, key ingest.BatchKey) error {
	token, err := s.txm.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.staging.RunIngestRoutine(ctx, token, schema, key); err != nil {
		if rbErr := s.txm.Rollback(ctx, token); rbErr != nil {
			s.log.WithError(rbErr).Warn("rollback after failed attempt")
		}
		return err
	}
	return s.txm.Commit(ctx, token)
}

// quarantine moves the batch to the failure table in one transaction, with
// its own small retry budget for transient errors. Begin, statement and
// commit failures all count against the same budget.
func (s *IngestService) quarantine(ctx context.Context, schema string, key ingest.BatchKey) error {
	var lastErr error
	for attempt := 1; attempt <= quarantineAttempts; attempt++ {
		err := s.quarantineOnce(ctx, schema, key)
		if err == nil {
			return nil
		}
		if !repo.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt < quarantineAttempts {
			if err := s.sleep(ctx, backoffDelay(attempt, s.opts.InitialBackoff, s.opts.MaxBackoff)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (s *IngestService) quarantineOnce(ctx context.Context, schema string, key ingest.BatchKey) error {
	token, err := s.txm.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.staging.Quarantine(ctx, token, schema, key); err != nil {
		if rbErr := s.txm.Rollback(ctx, token); rbErr != nil {
			s.log.WithError(rbErr).Warn("rollback after failed quarantine")
		}
		return err
	}
	return s.txm.Commit(ctx, token)
}

// ProcessScope discovers and processes every staged batch for a plot census.
// Batches are processed sequentially in discovery order; the first fatal
// error stops the sweep and returns the outcomes collected so far.
func (s *IngestService) ProcessScope(ctx context.Context, schema string, plotID, censusID int64) ([]*ingest.BatchOutcome, error) {
	keys, err := s.staging.DiscoverBatches(ctx, schema, plotID, censusID)
	if err != nil {
		return nil, err
	}
	outcomes := make([]*ingest.BatchOutcome, 0, len(keys))
	for _, key := range keys {
		outcome, err := s.ProcessBatch(ctx, schema, key)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Progress reads the tracker row for a file.
func (s *IngestService) Progress(ctx context.Context, schema string, fileID uuid.UUID) (*ingest.UploadTracker, error) {
	return s.tracker.Get(ctx, schema, fileID)
}

// VerifyProcessed cross-checks a scope after processing: it reports rows
// still staged and rows landed in production. A fully processed scope has
// zero staged rows.
func (s *IngestService) VerifyProcessed(ctx context.Context, schema string, plotID, censusID int64) (staged, produced int64, err error) {
	staged, err = s.staging.StagedCount(ctx, schema, plotID, censusID)
	if err != nil {
		return 0, 0, err
	}
	produced, err = s.staging.ProducedCount(ctx, schema, plotID, censusID)
	if err != nil {
		return 0, 0, err
	}
	return staged, produced, nil
}

// ResolveReferenceRows runs the hierarchical upsert chain for each input row,
// one transaction per row so a bad row does not poison its neighbours.
// Returns the resolved identifier maps in input order.
func (s *IngestService) ResolveReferenceRows(
	ctx context.Context,
	schema string,
	inputs []persistence.Row,
	config []persistence.Slice,
) ([]map[string]int64, error) {
	results := make([]map[string]int64, 0, len(inputs))
	for i, input := range inputs {
		token, err := s.txm.Begin(ctx)
		if err != nil {
			return results, err
		}
		ids, err := s.resolver.Resolve(ctx, token, schema, input, config)
		if err != nil {
			if rbErr := s.txm.Rollback(ctx, token); rbErr != nil {
				s.log.WithError(rbErr).Warn("rollback after failed resolve")
			}
			return results, fmt.Errorf("row %d: %w", i, err)
		}
		if err := s.txm.Commit(ctx, token); err != nil {
			return results, err
		}
		results = append(results, ids)
	}
	return results, nil
}

func (s *IngestService) publish(event any) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}
