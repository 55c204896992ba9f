package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Fetches feeds and builds their indexes",
	Args:  cobra.NoArgs,
	RunE:  build,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func build(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	manager, err := newManager(cfg, logger)
	if err != nil {
		return err
	}

	for _, feed := range cfg.Feeds {
		planner, err := manager.Load(context.Background(), feed)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d trips, %d stops, %d transfer rules\n",
			feed,
			planner.Schedule().NumTrips(),
			planner.Schedule().NumStops(),
			planner.Transfers().Len())
	}

	return nil
}
