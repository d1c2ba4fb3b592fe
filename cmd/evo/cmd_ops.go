package main

import (
	"context"
	"fmt"

	"evoengine/internal/types"

	"github.com/spf13/cobra"
)

// applyCmd forces a single proposal through the executor
var applyCmd = &cobra.Command{
	Use:   "apply [proposal-id]",
	Short: "Run one proposal through the executor now",
	Long: `Runs the full pipeline for a single pending or approved proposal:
score, decide, and apply if the decision allows it. The decision policy
still applies; a deferred or escalated proposal stays pending. The
daily execution budget is honored.`,
	Args: exactArgs(1),
	RunE: runApply,
}

// rollbackCmd reverts an applied change
var rollbackCmd = &cobra.Command{
	Use:   "rollback [application-id]",
	Short: "Revert an applied change through the monitor",
	Long: `Applies the stored inverse operations for an application, restoring
the pre-application contents of every affected target. Automatic
rollbacks count against the daily cap; manual rollbacks bypass it.
Both are recorded in the rollback audit log.`,
	Args: exactArgs(1),
	RunE: runRollback,
}

// openCmd reports where the latest artifacts live
var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Show paths to the latest application, rollback log, and backup",
	Args:  cobra.NoArgs,
	RunE:  runOpen,
}

func runApply(cmd *cobra.Command, args []string) error {
	eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.ApplyOne(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(renderResult(res))

	switch {
	case res.Skipped:
		return types.E(types.KindRateLimited, "cli", res.Reason)
	case res.Failed:
		return fmt.Errorf("application failed: %s", res.Reason)
	}
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	auto, _ := cmd.Flags().GetBool("auto")
	manual, _ := cmd.Flags().GetBool("manual")
	if auto && manual {
		return types.E(types.KindConfigInvalid, "cli", "--auto and --manual are mutually exclusive")
	}
	mode := types.RollbackManual
	if auto {
		mode = types.RollbackAuto
	}
	reason, _ := cmd.Flags().GetString("reason")
	if reason == "" {
		reason = "operator request"
	}

	eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	restored, err := eng.RequestRollback(context.Background(), args[0], mode, reason)
	if err != nil {
		return err
	}
	fmt.Printf("Rolled back application %s: %d target(s) restored.\n", args[0], restored)
	return nil
}

func runOpen(cmd *cobra.Command, args []string) error {
	eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	paths := eng.LatestPaths()
	if paths.ApplicationsLog == "" && paths.RollbackLog == "" && paths.LatestBackup == "" {
		fmt.Println("Nothing applied yet.")
		return nil
	}
	if paths.ApplicationsLog != "" {
		fmt.Printf("%s  %s (latest: %s)\n", labelStyle.Render("applications"), paths.ApplicationsLog, paths.LatestApplicationID)
	}
	if paths.RollbackLog != "" {
		fmt.Printf("%s      %s\n", labelStyle.Render("rollbacks"), paths.RollbackLog)
	}
	if paths.LatestBackup != "" {
		fmt.Printf("%s         %s\n", labelStyle.Render("backup"), paths.LatestBackup)
	}
	return nil
}
