package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "blockpops-admin",
	Short:         "Operate a running figure server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("url", "http://127.0.0.1:8080", "server base url")
	rootCmd.AddCommand(stateCmd, snapshotCmd, getCmd, placeCmd, removeCmd, resetCmd, historyCmd, dbCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
