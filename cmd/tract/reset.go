package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract/internal/types"
)

var resetCmd = &cobra.Command{
	Use:   "reset <target>",
	Short: "Move the current branch to a target commit",
	Long: `Reset the current branch (and HEAD) to TARGET.

TARGET can be a commit hash, hash prefix (min 4 chars), or branch name.
Soft and hard resets behave identically (there is no working tree);
--hard requires --force as a safety guard.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hard, _ := cmd.Flags().GetBool("hard")
		force, _ := cmd.Flags().GetBool("force")

		if hard && !force {
			fatalError("hard reset requires --force")
		}

		openTract()
		defer closeSession()

		hash, err := current.Reset(rootCtx, args[0])
		if err != nil {
			fatalError("reset: %v", err)
		}
		mode := "soft"
		if hard {
			mode = "hard"
		}
		if jsonOutput {
			outputJSON(map[string]string{"commit_hash": hash, "mode": mode})
			return
		}
		fmt.Printf("HEAD is now at %s (%s reset)\n", types.Short(hash), mode)
	},
}

func init() {
	resetCmd.Flags().Bool("soft", true, "soft reset (default)")
	resetCmd.Flags().Bool("hard", false, "hard reset (requires --force)")
	resetCmd.Flags().Bool("force", false, "required for --hard")
	rootCmd.AddCommand(resetCmd)
}
