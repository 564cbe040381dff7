package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/forestplot/censuscore/pkg/configuration"
	"github.com/forestplot/censuscore/pkg/repo"
	"github.com/forestplot/censuscore/pkg/serrors"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "censusd",
		Short:         "Forest census staging, ingestion and validation tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("schema", "census", "Target database schema")

	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newStageCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newProgressCmd())
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		if hint := serrors.HintOf(err); hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}

// openGateway builds the pooled connection and transaction manager from the
// environment configuration.
func openGateway(ctx context.Context) (*pgxpool.Pool, *repo.Manager, *logrus.Entry, error) {
	conf := configuration.Use()

	cfg, err := pgxpool.ParseConfig(conf.Database.Opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = conf.Database.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect: %w", err)
	}

	log := logrus.NewEntry(conf.Logger())
	manager := repo.NewManager(repo.NewDB(pool), repo.ManagerOptions{
		AcquireWait: conf.Database.AcquireWait,
		Logger:      log,
	})
	return pool, manager, log, nil
}

func schemaFlag(cmd *cobra.Command) (string, error) {
	schema, err := cmd.Flags().GetString("schema")
	if err != nil {
		return "", err
	}
	if err := repo.ValidateIdent(schema); err != nil {
		return "", err
	}
	return schema, nil
}
