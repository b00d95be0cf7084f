package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract/internal/types"
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout <target>",
	Short: "Checkout a branch or commit",
	Long: `Checkout a branch or commit.

TARGET can be a branch name, commit hash, hash prefix (min 4 chars), or
"-" for the previous position. A branch attaches HEAD; a commit
detaches it for read-only inspection.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		openTract()
		defer closeSession()

		hash, err := current.Checkout(rootCtx, args[0])
		if err != nil {
			fatalError("checkout: %v", err)
		}
		detached, err := current.IsDetached(rootCtx)
		if err != nil {
			fatalError("checkout: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]any{"commit_hash": hash, "detached": detached})
			return
		}
		if detached {
			fmt.Printf("HEAD detached at %s\n", types.Short(hash))
		} else {
			branch, _ := current.CurrentBranch(rootCtx)
			fmt.Printf("Switched to branch %s (%s)\n", branch, types.Short(hash))
		}
	},
}

func init() {
	rootCmd.AddCommand(checkoutCmd)
}
