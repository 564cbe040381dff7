package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forestplot/censuscore/modules/census/domain/ingest"
	"github.com/forestplot/censuscore/modules/census/services"
	"github.com/forestplot/censuscore/pkg/configuration"
	"github.com/forestplot/censuscore/pkg/eventbus"
)

func newIngestCmd() *cobra.Command {
	var plotID, censusID int64

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Process every staged batch for a plot census",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			schema, err := schemaFlag(cmd)
			if err != nil {
				return err
			}

			pool, manager, log, err := openGateway(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			conf := configuration.Use()
			bus := eventbus.NewEventPublisher(conf.Logger())
			bus.Subscribe(func(e services.BatchQuarantined) {
				fmt.Fprintf(cmd.ErrOrStderr(), "quarantined %s after %d attempts: %v\n", e.Key, e.Attempts, e.Cause)
			})

			svc := services.NewIngestService(manager, bus, services.IngestOptions{
				BatchSize:      conf.Ingest.BatchSize,
				MaxAttempts:    conf.Ingest.MaxAttempts,
				InitialBackoff: conf.Ingest.InitialBackoff,
				MaxBackoff:     conf.Ingest.MaxBackoff,
				Logger:         log,
			})

			outcomes, err := svc.ProcessScope(ctx, schema, plotID, censusID)
			if err != nil {
				return err
			}

			var ingested, quarantined int
			for _, o := range outcomes {
				if o.State == ingest.StateQuarantined {
					quarantined++
					continue
				}
				ingested++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d batches: %d ingested, %d quarantined\n",
				len(outcomes), ingested, quarantined)

			staged, produced, err := svc.VerifyProcessed(ctx, schema, plotID, censusID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verification: %d rows still staged, %d rows in production\n",
				staged, produced)
			return nil
		},
	}

	cmd.Flags().Int64Var(&plotID, "plot", 0, "Plot id (required)")
	cmd.Flags().Int64Var(&censusID, "census", 0, "Census id (required)")
	_ = cmd.MarkFlagRequired("plot")
	_ = cmd.MarkFlagRequired("census")
	return cmd
}
