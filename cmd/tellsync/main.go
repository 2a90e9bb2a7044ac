package main

import (
	"os"

	"github.com/spf13/cobra"
)

var apiAddr string

func main() {
	root := &cobra.Command{
		Use:   "tellsync",
		Short: "tellsync — control the gateway sync daemon",
	}
	root.PersistentFlags().StringVar(&apiAddr, "addr", "127.0.0.1:8654", "daemon api address")

	root.AddCommand(
		widgetsCmd(),
		addCmd(),
		rmCmd(),
		sendCmd(),
		statusCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
