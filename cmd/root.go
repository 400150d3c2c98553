package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "adjudicate",
	Short: "Disaster-damage claim adjudication pipeline",
	Long:  "Scores claim evidence against weather risk and a damage classifier, routes uncertain claims to threshold-shared human review, and banks confirmed labels for retraining.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
