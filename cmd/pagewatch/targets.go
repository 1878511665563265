package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pagewatch/internal/domain"
)

var checkCmd = &cobra.Command{
	Use:   "check <target-id>",
	Short: "Run one check cycle for a target now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid target id %q", args[0])
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		capturer := a.capturer()
		defer capturer.Close()

		res, err := a.scheduler(capturer, nil).CheckNow(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "target %d: %s (score %.4f)\n", id, res.Outcome, res.Score)
		return nil
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage monitored targets",
}

var targetsAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Register a target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetInt64("owner")
		selector, _ := cmd.Flags().GetString("selector")
		interval, _ := cmd.Flags().GetInt("interval")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		t := &domain.Target{OwnerID: owner, Name: args[0], URL: args[1], Selector: selector, IntervalMinutes: interval}
		if err := a.ledger.CreateTarget(cmd.Context(), t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added target %d\n", t.ID)
		return nil
	},
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		targets, err := a.ledger.ListTargets(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tNAME\tINTERVAL\tLAST CHECKED\tURL\tSELECTOR")
		for _, t := range targets {
			last := "never"
			if t.LastChecked != nil {
				last = t.LastChecked.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%dm\t%s\t%s\t%s\n", t.ID, t.OwnerID, t.Name, t.IntervalMinutes, last, t.URL, t.Selector)
		}
		return w.Flush()
	},
}

var targetsRmCmd = &cobra.Command{
	Use:   "rm <target-id>",
	Short: "Delete a target with its changes and differences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid target id %q", args[0])
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.ledger.DeleteTarget(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed target %d\n", id)
		return nil
	},
}

func init() {
	targetsAddCmd.Flags().Int64("owner", 1, "owner id")
	targetsAddCmd.Flags().String("selector", "", "CSS selector of the region to watch (default: full viewport)")
	targetsAddCmd.Flags().Int("interval", 60, "polling interval in minutes")
	targetsCmd.AddCommand(targetsAddCmd, targetsListCmd, targetsRmCmd)
}
