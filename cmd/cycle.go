package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one adjudication cycle over open claims and wait for it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.RunCycle(ctx)
		if err != nil {
			return eris.Wrap(err, "cycle")
		}
		// Retraining jobs queued by the cycle finish before exit.
		env.Pool.Wait()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		cmd.Printf("migrated %s store\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(migrateCmd)
}
