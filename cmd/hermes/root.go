// Command hermes is a thin manual-trigger CLI over the task surface (C9).
// The production scheduler that calls these operations on a cadence is
// external; this binary exists so an operator can invoke one named task by
// hand and see its summary, the way the teacher's cmd/runs.go exposes
// pipeline state for inspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/hermes/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "hermes",
	Short: "Regulatory-intelligence pipeline for US insurance filings",
	Long:  "Scrapes SERFF filing-access portals, extracts structured filing data, prices PMI/Title quotes, and detects carrier appetite shifts.",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
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
}

func init() {
	rootCmd.AddCommand(taskCmds()...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
