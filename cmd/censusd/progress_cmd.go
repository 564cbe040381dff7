package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forestplot/censuscore/modules/census/services"
)

func newProgressCmd() *cobra.Command {
	var fileID string

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Report batch progress for one uploaded file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaFlag(cmd)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(strings.TrimSpace(fileID))
			if err != nil {
				return fmt.Errorf("invalid --file-id: %w", err)
			}

			pool, manager, log, err := openGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := services.NewIngestService(manager, nil, services.IngestOptions{Logger: log})
			tracker, err := svc.Progress(cmd.Context(), schema, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d batches (%.1f%%)\n",
				tracker.FileName, tracker.ProcessedBatches, tracker.TotalBatches, tracker.Percent())
			return nil
		},
	}

	cmd.Flags().StringVar(&fileID, "file-id", "", "Upload file UUID (required)")
	_ = cmd.MarkFlagRequired("file-id")
	return cmd
}
