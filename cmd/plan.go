package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	journey "tidbyt.dev/journey"
	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/parse"
)

var directCmd = &cobra.Command{
	Use:   "direct <from_stop_id> <to_stop_id>",
	Short: "Finds the earliest direct ride between two stops",
	Args:  cobra.ExactArgs(2),
	RunE:  planner(journey.ModeDirect),
}

var transferCmd = &cobra.Command{
	Use:   "transfer <from_stop_id> <to_stop_id>",
	Short: "Finds a journey between two stops with exactly one transfer",
	Args:  cobra.ExactArgs(2),
	RunE:  planner(journey.ModeTransfer),
}

var planCmd = &cobra.Command{
	Use:   "plan <from_stop_id> <to_stop_id>",
	Short: "Finds a direct ride, or failing that, a one transfer journey",
	Args:  cobra.ExactArgs(2),
	RunE:  planner(""),
}

var (
	at   string
	mode string
)

func init() {
	for _, cmd := range []*cobra.Command{directCmd, transferCmd, planCmd} {
		cmd.Flags().StringVarP(&at, "at", "t", "", "Earliest departure, HH:MM:SS (default now)")
		rootCmd.AddCommand(cmd)
	}
	planCmd.Flags().StringVarP(&mode, "mode", "m", "best", "Query mode: direct, transfer or best")
}

func planner(m journey.Mode) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		atSec := 0
		if at == "" {
			now := time.Now()
			atSec = now.Hour()*3600 + now.Minute()*60 + now.Second()
		} else {
			var err error
			atSec, err = parse.ParseTime(at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
		}

		if m == "" {
			var err error
			m, err = journey.ParseMode(mode)
			if err != nil {
				return err
			}
		}

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

		p, err := manager.Load(context.Background(), cfg.Feeds[0])
		if err != nil {
			return err
		}

		it, found, err := p.Plan(context.Background(), journey.Query{
			From: args[0],
			To:   args[1],
			At:   atSec,
			Mode: m,
		})
		if err != nil {
			return err
		}
		if !found {
			fmt.Printf("No itinerary from %s to %s after %s\n", args[0], args[1], parse.FormatTime(atSec))
			return nil
		}

		printItinerary(it)
		return nil
	}
}

func printItinerary(it model.Itinerary) {
	for i, leg := range it.Legs {
		if i > 0 && it.Transfer != nil {
			fmt.Printf("  transfer %s -> %s (min %ds)\n",
				it.Transfer.FromStopID, it.Transfer.ToStopID, it.Transfer.MinWaitSec)
		}
		fmt.Printf("%s %s %s -> %s %s (%d stops)\n",
			leg.TripID,
			leg.DepartureTime, leg.BoardStopID,
			leg.ArrivalTime, leg.AlightStopID,
			leg.StopCount)
	}
}
