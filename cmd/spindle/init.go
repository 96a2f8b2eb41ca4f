package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"Spindle/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(configPath); err == nil && !force {
			return fmt.Errorf("%s already exists, use --force to overwrite", configPath)
		}

		if err := config.Save(configPath, config.Default()); err != nil {
			return err
		}

		fmt.Printf("wrote %s\n", configPath)

		return nil
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}
