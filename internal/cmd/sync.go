package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"adguard-dns-sync/internal/reconcile"
	"adguard-dns-sync/internal/rewrite"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single reconciliation cycle",
	Long: `Compute the reconciliation plan against the live provider and optionally apply it.

By default the plan is only printed (--dry-run). Pass --dry-run=false to apply;
applying asks for confirmation unless --yes is given.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("dry-run", true, "only print the plan")
	syncCmd.Flags().Bool("print-plan", false, "print the full plan")
	syncCmd.Flags().String("format", "json", "plan format: json or yaml")
	syncCmd.Flags().Bool("pretty", true, "indent JSON output")
	syncCmd.Flags().String("output", "", "write the plan to a file")
	syncCmd.Flags().Bool("yes", false, "apply without interactive confirmation")
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := a.connectGateway(ctx); err != nil {
		return err
	}
	if err := a.connectCluster(); err != nil {
		return err
	}
	rc := a.reconciler()

	preview, err := rc.Run(ctx, reconcile.RunOptions{DryRun: true})
	if preview != nil {
		if perr := reportPlan(cmd, preview.Plan); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}

	if mustGetBoolFlag(cmd, "dry-run") {
		fmt.Fprintln(cmd.ErrOrStderr(), "Dry run enabled; no changes applied")
		return nil
	}

	if !preview.Plan.Empty() {
		for _, change := range preview.Plan.Changes {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", describeChange(change))
		}
		if err := confirm(cmd, fmt.Sprintf("Apply %d change(s)?", len(preview.Plan.Changes))); err != nil {
			return err
		}
	}

	result, err := rc.Run(ctx, reconcile.RunOptions{})
	if result != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Sync finished: %s\n", describeResult(result))
	}
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d change(s) failed", result.Failed)
	}
	return nil
}

func reportPlan(cmd *cobra.Command, plan *rewrite.Plan) error {
	fmt.Fprintln(cmd.OutOrStdout(), summarizePlan(plan))
	format := outputFormat(cmd)
	pretty := mustGetBoolFlag(cmd, "pretty")
	if mustGetBoolFlag(cmd, "print-plan") {
		if err := streamPlan(cmd.OutOrStdout(), plan, format, pretty); err != nil {
			return err
		}
	}
	if output := mustGetStringFlag(cmd, "output"); output != "" {
		if err := rewrite.SavePlan(plan, output, format, pretty); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Plan saved to %s\n", output)
	}
	return nil
}
