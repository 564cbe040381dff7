package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/forestplot/censuscore/pkg/configuration"
)

func newMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conf := configuration.Use()

			pool, _, _, err := openGateway(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			db := stdlib.OpenDBFromPool(pool)
			defer db.Close()

			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			if down {
				if err := goose.DownContext(ctx, db, conf.MigrationsDir); err != nil {
					return errors.Wrap(err, "migrate down")
				}
			} else {
				if err := goose.UpContext(ctx, db, conf.MigrationsDir); err != nil {
					return errors.Wrap(err, "migrate up")
				}
			}

			version, err := goose.GetDBVersionContext(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration instead of applying")
	return cmd
}
