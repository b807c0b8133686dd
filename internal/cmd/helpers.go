package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"adguard-dns-sync/internal/reconcile"
	"adguard-dns-sync/internal/rewrite"
)

func bindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for %s not defined", key))
	}
	_ = viper.BindPFlag(key, flag)
}

// mustGetStringFlag retrieves a string flag value.
// Errors are ignored because cobra guarantees flags exist if they're defined.
func mustGetStringFlag(cmd *cobra.Command, name string) string {
	val, _ := cmd.Flags().GetString(name)
	return val
}

// mustGetBoolFlag retrieves a bool flag value.
// Errors are ignored because cobra guarantees flags exist if they're defined.
func mustGetBoolFlag(cmd *cobra.Command, name string) bool {
	val, _ := cmd.Flags().GetBool(name)
	return val
}

func outputFormat(cmd *cobra.Command) string {
	format := strings.ToLower(mustGetStringFlag(cmd, "format"))
	if format == "" {
		return "json"
	}
	return format
}

func summarizePlan(plan *rewrite.Plan) string {
	if plan == nil {
		return "no plan"
	}
	return fmt.Sprintf("Plan includes %d change(s): %d create, %d update, %d delete (%d desired, %d remote, %d managed)",
		len(plan.Changes),
		plan.Count(rewrite.ChangeCreate),
		plan.Count(rewrite.ChangeUpdate),
		plan.Count(rewrite.ChangeDelete),
		plan.Desired, plan.Remote, plan.Managed)
}

func describeChange(change rewrite.Change) string {
	switch change.Type {
	case rewrite.ChangeCreate:
		return fmt.Sprintf("create %s -> %s", change.Domain, change.Desired.Answer)
	case rewrite.ChangeUpdate:
		return fmt.Sprintf("update %s %s -> %s", change.Domain, change.Existing.Answer, change.Desired.Answer)
	case rewrite.ChangeDelete:
		if change.Existing == nil {
			return fmt.Sprintf("delete %s (already absent)", change.Domain)
		}
		return fmt.Sprintf("delete %s -> %s", change.Domain, change.Existing.Answer)
	default:
		return fmt.Sprintf("%s %s", change.Type, change.Domain)
	}
}

func describeResult(result *reconcile.Result) string {
	return fmt.Sprintf("created %d, updated %d, deleted %d, skipped %d, failed %d",
		result.Created, result.Updated, result.Deleted, result.Skipped, result.Failed)
}

func streamPlan(w io.Writer, plan *rewrite.Plan, format string, pretty bool) error {
	payload, err := rewrite.EncodePlan(plan, format, pretty)
	if err != nil {
		return err
	}
	return writePayload(w, payload)
}

func encodeReport(v any, format string, pretty bool) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yaml.Marshal(v)
	case "json":
		if pretty {
			return json.MarshalIndent(v, "", "  ")
		}
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported format %q (use json or yaml)", format)
	}
}

func writePayload(w io.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		fmt.Fprintln(w)
	}
	return nil
}

var errNotConfirmed = errors.New("aborted by user")

// confirm asks for interactive confirmation unless --yes was given.
func confirm(cmd *cobra.Command, message string) error {
	if mustGetBoolFlag(cmd, "yes") {
		return nil
	}
	ok := false
	prompt := &survey.Confirm{Message: message, Default: false}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return fmt.Errorf("confirmation prompt: %w (rerun with --yes)", err)
	}
	if !ok {
		return errNotConfirmed
	}
	return nil
}
