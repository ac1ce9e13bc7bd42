package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Asynchronous knowledge integration pipeline",
	Long: "Admits knowledge entries into collections, distills them into atomic claims\n" +
		"with external workers, and integrates them against the existing corpus with\n" +
		"entropy and friction scoring under clearance-gated admission control.",
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
