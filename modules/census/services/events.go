package services

import (
	"github.com/forestplot/censuscore/modules/census/domain/ingest"
	"github.com/forestplot/censuscore/modules/census/domain/validationlog"
)

// BatchIngested is published after a batch commits into production tables.
type BatchIngested struct {
	Key      ingest.BatchKey
	Attempts int
}

// BatchQuarantined is published after a batch is moved to the failure table.
type BatchQuarantined struct {
	Key      ingest.BatchKey
	Attempts int
	Cause    error
}

// ValidationRan is published after a validation procedure finishes and its
// changelog entry is recorded.
type ValidationRan struct {
	Entry  *validationlog.Entry
	Result *validationlog.RunResult
}
