package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract"
	"github.com/tracthq/tract/internal/types"
)

var annotateCmd = &cobra.Command{
	Use:   "annotate <commit> <priority>",
	Short: "Set a commit's priority (skip, normal, important, pinned)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		retain, _ := cmd.Flags().GetString("retain")
		retainMatch, _ := cmd.Flags().GetStringSlice("retain-match")
		matchMode, _ := cmd.Flags().GetString("retain-match-mode")

		priority := tract.Priority(args[1])
		if !priority.Valid() {
			fatalError("invalid priority %q (use skip, normal, important, or pinned)", args[1])
		}

		openTract()
		defer closeSession()

		info, err := current.GetCommit(rootCtx, args[0])
		if err != nil {
			fatalError("resolving commit: %v", err)
		}

		ann, err := current.Annotate(rootCtx, info.CommitHash, priority, tract.AnnotateOptions{
			Reason:          reason,
			Retain:          retain,
			RetainMatch:     retainMatch,
			RetainMatchMode: matchMode,
		})
		if err != nil {
			fatalError("annotate: %v", err)
		}
		if jsonOutput {
			outputJSON(ann)
			return
		}
		fmt.Printf("Annotated %s as %s\n", types.Short(info.CommitHash), priority)
	},
}

func init() {
	annotateCmd.Flags().String("reason", "", "reason for the annotation")
	annotateCmd.Flags().String("retain", "", "fuzzy retention guidance for compression")
	annotateCmd.Flags().StringSlice("retain-match", nil, "patterns that must survive compression")
	annotateCmd.Flags().String("retain-match-mode", "", "pattern mode: literal (default) or regex")
	rootCmd.AddCommand(annotateCmd)
}
