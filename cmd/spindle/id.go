package main

import (
	"crypto/ed25519"
	"fmt"

	"github.com/spf13/cobra"

	"Spindle/internal/node"
	"Spindle/internal/nodeid"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the node identifier, creating the key if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		key, err := node.LoadOrGenerateKey(cfg.Node.KeyPath)
		if err != nil {
			return fmt.Errorf("load key:\n%w", err)
		}

		fmt.Println(nodeid.FromPublicKey(key.Public().(ed25519.PublicKey)))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)
}
