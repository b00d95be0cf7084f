package main

import (
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/tracthq/tract"
	"github.com/tracthq/tract/internal/ui"
)

var diffCmd = &cobra.Command{
	Use:   "diff <ref-a> [ref-b]",
	Short: "Compare compiled contexts between two refs",
	Long: `Compare the compiled message lists of two refs (branch names,
commit hashes, prefixes, or "-"). With one ref, compares it against
HEAD. --as-of compares HEAD now against HEAD at a point in time,
accepting natural language ("yesterday 3pm").`,
	Args: cobra.RangeArgs(0, 2),
	Run: func(cmd *cobra.Command, args []string) {
		asOfText, _ := cmd.Flags().GetString("as-of")

		openTract()
		defer closeSession()

		var labelA, labelB string
		var a, b tract.CompiledContext
		var err error

		switch {
		case asOfText != "":
			if len(args) > 0 {
				fatalError("--as-of cannot be combined with explicit refs")
			}
			cutoff := parseWhen(asOfText)
			labelA, labelB = "as of "+asOfText, "HEAD"
			a, err = current.Compile(rootCtx, tract.CompileOptions{AsOf: &cutoff})
			if err == nil {
				b, err = current.Compile(rootCtx, tract.CompileOptions{})
			}
		case len(args) == 1:
			labelA, labelB = args[0], "HEAD"
			a, err = current.CompileAt(rootCtx, args[0], tract.CompileOptions{})
			if err == nil {
				b, err = current.Compile(rootCtx, tract.CompileOptions{})
			}
		case len(args) == 2:
			labelA, labelB = args[0], args[1]
			a, err = current.CompileAt(rootCtx, args[0], tract.CompileOptions{})
			if err == nil {
				b, err = current.CompileAt(rootCtx, args[1], tract.CompileOptions{})
			}
		default:
			fatalError("diff needs refs or --as-of")
		}
		if err != nil {
			fatalError("diff: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"a": a, "b": b})
			return
		}
		ui.FormatDiff(os.Stdout, labelA, labelB, a, b)
	},
}

// parseWhen accepts RFC3339 or natural-language timestamps.
func parseWhen(text string) time.Time {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	result, err := w.Parse(text, time.Now())
	if err != nil || result == nil {
		fatalError("cannot parse time %q", text)
	}
	return result.Time
}

func init() {
	diffCmd.Flags().String("as-of", "", "compare against HEAD at a point in time")
	rootCmd.AddCommand(diffCmd)
}
