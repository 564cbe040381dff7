package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/forestplot/censuscore/modules/census/services"
	"github.com/forestplot/censuscore/pkg/configuration"
)

type stageOptions struct {
	input    string
	plotID   int64
	censusID int64
	fileID   uuid.UUID
}

func newStageCmd() *cobra.Command {
	var opts stageOptions
	var fileID string

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Load a measurement CSV into the staging table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			schema, err := schemaFlag(cmd)
			if err != nil {
				return err
			}

			rows, err := loadMeasurementCSV(opts.input)
			if err != nil {
				return errors.Wrapf(err, "load %s", opts.input)
			}

			pool, manager, log, err := openGateway(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			conf := configuration.Use()
			svc := services.NewIngestService(manager, nil, services.IngestOptions{
				BatchSize:      conf.Ingest.BatchSize,
				MaxAttempts:    conf.Ingest.MaxAttempts,
				InitialBackoff: conf.Ingest.InitialBackoff,
				MaxBackoff:     conf.Ingest.MaxBackoff,
				Logger:         log,
			})

			if err := resolveReferences(ctx, svc, schema, opts.plotID, rows); err != nil {
				return errors.Wrap(err, "resolve reference data")
			}

			tracker, err := svc.StageUpload(ctx, schema, opts.fileID, filepath.Base(opts.input), opts.plotID, opts.censusID, rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staged %d rows as %d batches (file %s)\n",
				len(rows), tracker.TotalBatches, tracker.FileID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.input, "input", "", "Measurement CSV file (required)")
	cmd.Flags().Int64Var(&opts.plotID, "plot", 0, "Plot id (required)")
	cmd.Flags().Int64Var(&opts.censusID, "census", 0, "Census id (required)")
	cmd.Flags().StringVar(&fileID, "file-id", "", "Upload file UUID (default: random)")

	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("plot")
	_ = cmd.MarkFlagRequired("census")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(fileID) == "" {
			opts.fileID = uuid.New()
			return nil
		}
		id, err := uuid.Parse(strings.TrimSpace(fileID))
		if err != nil {
			return fmt.Errorf("invalid --file-id: %w", err)
		}
		opts.fileID = id
		return nil
	}

	return cmd
}
