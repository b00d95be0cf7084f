package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract"
	"github.com/tracthq/tract/internal/ui"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show commit history from HEAD backward",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		verbose, _ := cmd.Flags().GetBool("verbose")
		opFilter, _ := cmd.Flags().GetString("op")

		var op tract.Operation
		switch opFilter {
		case "":
		case "append":
			op = tract.OpAppend
		case "edit":
			op = tract.OpEdit
		default:
			fatalError("invalid --op %q (use append or edit)", opFilter)
		}

		openTract()
		defer closeSession()

		entries, err := current.Log(rootCtx, limit, op)
		if err != nil {
			fatalError("reading log: %v", err)
		}

		if jsonOutput {
			outputJSON(entries)
			return
		}
		if verbose {
			ui.FormatLogVerbose(os.Stdout, entries)
		} else {
			ui.FormatLog(os.Stdout, entries)
		}
	},
}

func init() {
	logCmd.Flags().IntP("limit", "n", 20, "maximum number of commits to show")
	logCmd.Flags().BoolP("verbose", "v", false, "show verbose commit details")
	logCmd.Flags().String("op", "", "filter by operation (append or edit)")
	rootCmd.AddCommand(logCmd)
}
