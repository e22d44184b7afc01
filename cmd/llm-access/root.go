package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"llm_access/internal/config"
	"llm_access/internal/logging"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

// app carries state shared by subcommands
type app struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "llm-access",
		Short:         "API keys, quotas and usage accounting for an LLM gateway",
		Long:          "llm-access issues and rotates per-account API keys, authorizes model calls against a daily free tier and a prepaid balance, and records every billable call.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg

			// structured logs stay off stdout, which carries command output
			utils.SetDefaultOutput(cmd.ErrOrStderr())
			utils.SetDefaultLogLevel(utils.ParseLogLevel(cfg.LogLevel))
			logging.SetLogLevelName(cfg.LogLevel)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "YAML config file; environment variables take precedence")

	rootCmd.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newSweepCmd(a),
		newReservationCmd(a),
		newAccountCmd(a),
		newDevTokenCmd(a),
		newDLQCmd(a),
	)

	return rootCmd
}

// openStore connects to the configured database
func (a *app) openStore() (*storage.DB, error) {
	if err := a.cfg.ValidateDatabase(); err != nil {
		return nil, err
	}
	db, err := storage.NewDB(a.cfg.Database.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", db.Dialect())
			return nil
		},
	}
}
