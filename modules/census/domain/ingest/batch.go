// Package ingest holds the batch lifecycle entities shared by the staging
// repositories and the orchestrator.
package ingest

import (
	"fmt"

	"github.com/google/uuid"
)

// BatchKey identifies one ingestion unit: a bounded group of staged rows from
// one uploaded file.
type BatchKey struct {
	FileID  uuid.UUID
	BatchID int64
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%s/%d", k.FileID, k.BatchID)
}

type BatchState string

const (
	StateStaged      BatchState = "staged"
	StateIngested    BatchState = "ingested"
	StateQuarantined BatchState = "quarantined"
)

// BatchOutcome reports how a batch left the state machine and how many
// attempts it took.
type BatchOutcome struct {
	Key      BatchKey
	State    BatchState
	Attempts int
}

// UploadTracker is the per-file progress row read by external pollers.
type UploadTracker struct {
	FileID           uuid.UUID
	FileName         string
	PlotID           int64
	CensusID         int64
	TotalBatches     int
	ProcessedBatches int
}

// Percent reports completion as 0-100. A zero total reports 0 rather than
// dividing by zero; the result never exceeds 100.
func (t *UploadTracker) Percent() float64 {
	if t.TotalBatches <= 0 {
		return 0
	}
	p := float64(t.ProcessedBatches) / float64(t.TotalBatches) * 100
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
