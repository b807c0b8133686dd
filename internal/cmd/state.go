package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"adguard-dns-sync/internal/rewrite"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and restore the managed rules state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the managed rules",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateBackupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List retained backup generations, newest first",
	Args:  cobra.NoArgs,
	RunE:  runStateBackups,
}

var stateRestoreCmd = &cobra.Command{
	Use:   "restore <seq>",
	Short: "Make a backup generation the current state",
	Long: `Restore a backup generation as the managed rules state. The current state is
kept as a new backup generation first. The next sync cycle reconciles the
provider against the restored ownership.`,
	Args: cobra.ExactArgs(1),
	RunE: runStateRestore,
}

func init() {
	stateCmd.AddCommand(stateShowCmd, stateBackupsCmd, stateRestoreCmd)
	stateShowCmd.Flags().String("format", "json", "output format: json or yaml")
	stateShowCmd.Flags().Bool("pretty", true, "indent JSON output")
	stateRestoreCmd.Flags().Bool("yes", false, "restore without interactive confirmation")
}

func runStateShow(cmd *cobra.Command, args []string) error {
	a, err := loadStateApp()
	if err != nil {
		return err
	}
	set, source, err := a.store.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	if source != "" && source != a.store.Path() {
		fmt.Fprintf(cmd.ErrOrStderr(), "State file unusable; showing backup %s\n", source)
	}
	payload, err := rewrite.EncodeSet(set, outputFormat(cmd), mustGetBoolFlag(cmd, "pretty"))
	if err != nil {
		return err
	}
	return writePayload(cmd.OutOrStdout(), payload)
}

func runStateBackups(cmd *cobra.Command, args []string) error {
	a, err := loadStateApp()
	if err != nil {
		return err
	}
	gens, err := a.store.Generations(cmd.Context())
	if err != nil {
		return err
	}
	if len(gens) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backup generations found")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tCREATED\tFILE")
	for _, gen := range gens {
		fmt.Fprintf(w, "%d\t%s\t%s\n", gen.Seq, gen.CreatedAt.Format(time.RFC3339), gen.File)
	}
	return w.Flush()
}

func runStateRestore(cmd *cobra.Command, args []string) error {
	seq, err := strconv.Atoi(args[0])
	if err != nil || seq <= 0 {
		return fmt.Errorf("invalid generation %q: expected a positive sequence number", args[0])
	}
	a, err := loadStateApp()
	if err != nil {
		return err
	}
	if err := confirm(cmd, fmt.Sprintf("Restore backup generation %d over %s?", seq, a.store.Path())); err != nil {
		return err
	}
	set, err := a.store.Restore(cmd.Context(), seq)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored generation %d (%d managed rule(s))\n", seq, len(set))
	return nil
}
