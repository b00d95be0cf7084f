package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracthq/tract/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a .tract directory with a default config",
	Run: func(cmd *cobra.Command, args []string) {
		cwd, err := os.Getwd()
		if err != nil {
			fatalError("init: %v", err)
		}
		path, err := config.WriteDefault(cwd)
		if err != nil {
			fatalError("init: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"config": path})
			return
		}
		fmt.Printf("Initialized tract config at %s\n", path)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
