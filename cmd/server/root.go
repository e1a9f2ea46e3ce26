package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fanout-dispatch",
	Short: "Notification fan-out and delivery engine",
	Long: "Accepts notifications addressed to many recipients, persists one delivery per " +
		"recipient and drives each delivery to a terminal state through the channel senders.",
	SilenceUsage: true,
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
