package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract/internal/types"
	"github.com/tracthq/tract/internal/ui"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "List, create, and delete branches",
	Run: func(cmd *cobra.Command, args []string) {
		openTract()
		defer closeSession()

		branches, err := current.ListBranches(rootCtx)
		if err != nil {
			fatalError("listing branches: %v", err)
		}
		if jsonOutput {
			outputJSON(branches)
			return
		}
		ui.FormatBranches(os.Stdout, branches)
	},
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new branch (switches to it by default)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		noSwitch, _ := cmd.Flags().GetBool("no-switch")
		source, _ := cmd.Flags().GetString("source")

		openTract()
		defer closeSession()

		hash, err := current.Branch(rootCtx, args[0], source, !noSwitch)
		if err != nil {
			fatalError("creating branch: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"branch": args[0], "commit_hash": hash})
			return
		}
		fmt.Printf("Created branch %s at %s\n", args[0], types.Short(hash))
		if !noSwitch {
			fmt.Printf("Switched to branch %s\n", args[0])
		}
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch (refuses the current branch)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		openTract()
		defer closeSession()

		if err := current.DeleteBranch(rootCtx, args[0], force); err != nil {
			fatalError("deleting branch: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"deleted": args[0]})
			return
		}
		fmt.Printf("Deleted branch %s\n", args[0])
	},
}

func init() {
	branchCreateCmd.Flags().Bool("no-switch", false, "create without switching to it")
	branchCreateCmd.Flags().String("source", "", "commit hash to branch from (defaults to HEAD)")
	branchDeleteCmd.Flags().Bool("force", false, "delete even with unmerged commits")
	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchDeleteCmd)
	rootCmd.AddCommand(branchCmd)
}
