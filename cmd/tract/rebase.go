package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract"
	"github.com/tracthq/tract/internal/types"
)

var rebaseCmd = &cobra.Command{
	Use:   "rebase <target-branch>",
	Short: "Replay the current branch onto another branch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		semantic, _ := cmd.Flags().GetBool("semantic")

		openTract()
		defer closeSession()

		result, err := current.Rebase(rootCtx, args[0], tract.RebaseOptions{Semantic: semantic})
		if err != nil {
			fatalError("rebase: %v", err)
		}
		if jsonOutput {
			outputJSON(result)
			return
		}
		if len(result.Replayed) == 0 {
			fmt.Println("Already up to date.")
			return
		}
		fmt.Printf("Replayed %d commit(s); HEAD is now at %s\n",
			len(result.Replayed), types.Short(result.NewHead))
	},
}

var cherryPickCmd = &cobra.Command{
	Use:   "cherry-pick <commit>",
	Short: "Replay one commit onto the current HEAD",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		semantic, _ := cmd.Flags().GetBool("semantic")

		openTract()
		defer closeSession()

		info, err := current.GetCommit(rootCtx, args[0])
		if err != nil {
			fatalError("resolving commit: %v", err)
		}
		result, err := current.CherryPick(rootCtx, info.CommitHash, tract.CherryPickOptions{Semantic: semantic})
		if err != nil {
			fatalError("cherry-pick: %v", err)
		}
		if jsonOutput {
			outputJSON(result)
			return
		}
		if result.NewCommit == nil {
			fmt.Println("Cherry-pick skipped.")
			return
		}
		fmt.Printf("Picked %s as %s\n",
			types.Short(result.Original.CommitHash), types.Short(result.NewCommit.CommitHash))
	},
}

func init() {
	rebaseCmd.Flags().Bool("semantic", false, "resolve warnings with the configured LLM")
	cherryPickCmd.Flags().Bool("semantic", false, "resolve issues with the configured LLM")
	rootCmd.AddCommand(rebaseCmd)
	rootCmd.AddCommand(cherryPickCmd)
}
