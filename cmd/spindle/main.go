package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the configuration file shared by every command.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "spindle",
	Short: "Spindle overlay node",
	Long: `Spindle runs a node of a self-organizing overlay network. Nodes route
messages by identifier, locate published resources and hold messages for
recipients that have not appeared yet.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "spindle.yaml", "configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
