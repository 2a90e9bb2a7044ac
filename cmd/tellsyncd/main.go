package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/larshag/tellsync/internal/config"
	"github.com/larshag/tellsync/internal/daemon"
)

func main() {
	root := &cobra.Command{
		Use:   "tellsyncd",
		Short: "tellsync gateway sync daemon",
		Long:  "Maintains the event-stream connection to the local gateway and keeps widget state in sync.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = config.DefaultPath()
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemon.Run(cfg, cfgPath)
		},
	}

	root.Flags().String("config", "", "path to config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
