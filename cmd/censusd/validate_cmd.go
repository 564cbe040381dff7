package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forestplot/censuscore/modules/census/domain/validationlog"
	"github.com/forestplot/censuscore/modules/census/services"
	"github.com/forestplot/censuscore/pkg/configuration"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run registered validation procedures",
	}
	cmd.AddCommand(newValidateRunCmd())
	cmd.AddCommand(newValidateListCmd())
	cmd.AddCommand(newValidateLogCmd())
	return cmd
}

func validationService(cmd *cobra.Command) (*services.ValidationService, func(), string, error) {
	schema, err := schemaFlag(cmd)
	if err != nil {
		return nil, nil, "", err
	}
	pool, manager, log, err := openGateway(cmd.Context())
	if err != nil {
		return nil, nil, "", err
	}
	return services.NewValidationService(manager, nil, log), pool.Close, schema, nil
}

func newValidateRunCmd() *cobra.Command {
	var (
		plotID, censusID int64
		procName         string
		minDBH, maxDBH   float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one procedure, or every enabled one",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closePool, schema, err := validationService(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			params := services.RunParams{PlotID: plotID, CensusID: censusID}
			if cmd.Flags().Changed("min-dbh") {
				params.MinDBH = &minDBH
			}
			if cmd.Flags().Changed("max-dbh") {
				params.MaxDBH = &maxDBH
			}

			var entries []*validationlog.Entry
			if procName != "" {
				entry, result, err := svc.Run(cmd.Context(), schema, procName, params)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				fmt.Fprintf(cmd.OutOrStdout(), "%s examined %d rows\n", procName, result.ExpectedRows)
			} else {
				entries, err = svc.RunAll(cmd.Context(), schema, params)
				if err != nil {
					return err
				}
			}

			for _, e := range entries {
				status := "FAIL"
				if e.IsPassed != nil && *e.IsPassed {
					status = "PASS"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", status, e.ProcedureName)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&plotID, "plot", 0, "Plot id (required)")
	cmd.Flags().Int64Var(&censusID, "census", 0, "Census id (required)")
	cmd.Flags().StringVar(&procName, "proc", "", "Procedure name (default: run all enabled)")
	cmd.Flags().Float64Var(&minDBH, "min-dbh", 0, "Lower diameter bound")
	cmd.Flags().Float64Var(&maxDBH, "max-dbh", 0, "Upper diameter bound")
	_ = cmd.MarkFlagRequired("plot")
	_ = cmd.MarkFlagRequired("census")
	return cmd
}

func newValidateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered, enabled procedures",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closePool, schema, err := validationService(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			procs, err := svc.List(cmd.Context(), schema)
			if err != nil {
				return err
			}
			for _, p := range procs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.Name, p.Description)
			}
			return nil
		},
	}
}

func newValidateLogCmd() *cobra.Command {
	var page int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show past validation runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closePool, schema, err := validationService(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			conf := configuration.Use()
			entries, total, err := svc.Changelog(cmd.Context(), schema, &validationlog.FindParams{
				Page:     page,
				PageSize: conf.PageSize,
			})
			if err != nil {
				return err
			}
			for _, e := range entries {
				status := "FAIL"
				if e.IsPassed != nil && *e.IsPassed {
					status = "PASS"
				}
				detail := ""
				if e.Detail != nil {
					detail = *e.Detail
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  [%s] %s  %s\n",
					e.RunAt.Format("2006-01-02 15:04:05"), status, e.ProcedureName, detail)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "page %d of %d entries\n", page, total)
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	return cmd
}
