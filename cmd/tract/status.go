package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show HEAD position, branch, and token usage",
	Run: func(cmd *cobra.Command, args []string) {
		openTract()
		defer closeSession()

		info, err := current.Status(rootCtx)
		if err != nil {
			fatalError("reading status: %v", err)
		}
		if jsonOutput {
			outputJSON(info)
			return
		}
		ui.FormatStatus(os.Stdout, info)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
