package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract"
	"github.com/tracthq/tract/internal/types"
)

var commitCmd = &cobra.Command{
	Use:   "commit <text>",
	Short: "Create a commit",
	Long: `Create a commit carrying TEXT.

--type selects the content variant (instruction, user, assistant,
reasoning, output). --edit <hash> creates an EDIT replacing the
target commit's message at compile time.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		contentType, _ := cmd.Flags().GetString("type")
		message, _ := cmd.Flags().GetString("message")
		editTarget, _ := cmd.Flags().GetString("edit")

		var payload any
		switch contentType {
		case "instruction":
			payload = tract.Instruction{Text: args[0]}
		case "user":
			payload = tract.Dialogue{Role: "user", Text: args[0]}
		case "assistant":
			payload = tract.Dialogue{Role: "assistant", Text: args[0]}
		case "reasoning":
			payload = tract.Reasoning{Text: args[0]}
		case "output":
			payload = tract.Output{Text: args[0]}
		default:
			fatalError("invalid --type %q", contentType)
		}

		opts := tract.CommitOptions{Message: message}
		if editTarget != "" {
			opts.Operation = tract.OpEdit
			opts.ResponseTo = editTarget
		}

		openTract()
		defer closeSession()

		if editTarget != "" {
			// Accept prefixes for the edit target.
			info, err := current.GetCommit(rootCtx, editTarget)
			if err != nil {
				fatalError("resolving edit target: %v", err)
			}
			opts.ResponseTo = info.CommitHash
		}

		info, err := current.Commit(rootCtx, payload, opts)
		if err != nil {
			fatalError("commit: %v", err)
		}
		if jsonOutput {
			outputJSON(info)
			return
		}
		fmt.Printf("[%s] %s\n", types.Short(info.CommitHash), contentType)
	},
}

func init() {
	commitCmd.Flags().String("type", "user", "content type: instruction, user, assistant, reasoning, output")
	commitCmd.Flags().StringP("message", "m", "", "commit message label")
	commitCmd.Flags().String("edit", "", "create an EDIT targeting this commit hash")
	rootCmd.AddCommand(commitCmd)
}
