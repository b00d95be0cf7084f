package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract"
	"github.com/tracthq/tract/internal/types"
	"github.com/tracthq/tract/internal/ui"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <source>",
	Short: "Merge a branch into the current branch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		noFF, _ := cmd.Flags().GetBool("no-ff")
		strategy, _ := cmd.Flags().GetString("strategy")

		if strategy != "auto" && strategy != "semantic" {
			fatalError("invalid --strategy %q (use auto or semantic)", strategy)
		}

		openTract()
		defer closeSession()

		result, err := current.Merge(rootCtx, args[0], tract.MergeOptions{
			NoFF:     noFF,
			Semantic: strategy == "semantic",
		})
		if err != nil {
			if errors.Is(err, types.ErrNothingToMerge) {
				if jsonOutput {
					outputJSON(map[string]string{"result": "up_to_date"})
				} else {
					fmt.Println("Already up to date.")
				}
				return
			}
			fatalError("merge: %v", err)
		}
		if jsonOutput {
			outputJSON(result)
			return
		}
		ui.FormatMergeResult(os.Stdout, result)
	},
}

func init() {
	mergeCmd.Flags().Bool("no-ff", false, "always create a merge commit (no fast-forward)")
	mergeCmd.Flags().String("strategy", "auto", "merge strategy: auto or semantic")
	rootCmd.AddCommand(mergeCmd)
}
