// Package cmd implements commands for the agora executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agora-sim/agora/cmd/api"
	"github.com/agora-sim/agora/cmd/pipeline"
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Agora vote-validation pipeline",
}

// Execute spawns the main entry point after handling the config file.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	for _, f := range []func(*cobra.Command){
		pipeline.Register,
		api.Register,
	} {
		f(rootCmd)
	}
}
