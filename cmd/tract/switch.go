package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract/internal/types"
)

var switchCmd = &cobra.Command{
	Use:   "switch <branch>",
	Short: "Switch to a branch",
	Long: `Switch to a branch.

Unlike checkout, switch only accepts branch names and never silently
detaches HEAD on a commit hash.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		openTract()
		defer closeSession()

		hash, err := current.SwitchBranch(rootCtx, args[0])
		if err != nil {
			var notFound *types.BranchNotFoundError
			if errors.As(err, &notFound) {
				branches, listErr := current.ListBranches(rootCtx)
				if listErr == nil && len(branches) > 0 {
					names := make([]string, len(branches))
					for i, b := range branches {
						names[i] = b.Name
					}
					fatalError("branch not found: %s. Available branches: %s",
						args[0], strings.Join(names, ", "))
				}
			}
			fatalError("switch: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"branch": args[0], "commit_hash": hash})
			return
		}
		fmt.Printf("Switched to branch %s at %s\n", args[0], types.Short(hash))
	},
}

func init() {
	rootCmd.AddCommand(switchCmd)
}
