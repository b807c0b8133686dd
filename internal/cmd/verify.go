package cmd

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"adguard-dns-sync/internal/dnsverify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the resolver answers every managed rewrite",
	Long: `Query the DNS server for every managed rewrite and compare the answers.

The server defaults to VERIFY_DNS_SERVER, or port 53 on the AdGuard host.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().String("server", "", "DNS server to query (host:port)")
	verifyCmd.Flags().Duration("timeout", 5*time.Second, "per-query timeout")
	verifyCmd.Flags().String("format", "", "print the full report as json or yaml")
	verifyCmd.Flags().Bool("pretty", true, "indent JSON output")
	bindFlag("verify.server", verifyCmd.Flags().Lookup("server"))
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	server := a.cfg.VerifyServer
	if server == "" {
		server, err = defaultVerifyServer(a.cfg.AdGuard.URL)
		if err != nil {
			return err
		}
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	verifier, err := dnsverify.New(server, timeout, a.log)
	if err != nil {
		return err
	}

	set, _, err := a.store.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	summary, err := verifier.Verify(cmd.Context(), set)
	if err != nil {
		return err
	}

	if format := mustGetStringFlag(cmd, "format"); format != "" {
		payload, err := encodeReport(summary, format, mustGetBoolFlag(cmd, "pretty"))
		if err != nil {
			return err
		}
		if err := writePayload(cmd.OutOrStdout(), payload); err != nil {
			return err
		}
	} else {
		for _, r := range summary.Results {
			if r.Outcome == dnsverify.OutcomeMatch {
				continue
			}
			detail := r.Error
			if detail == "" {
				detail = fmt.Sprintf("got %v", r.Answers)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s expected %s: %s\n", r.Outcome, r.Domain, r.Expected, detail)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Verified %d rule(s) against %s: %d match, %d mismatch, %d error\n",
		len(summary.Results), summary.Server, summary.Matched, summary.Mismatched, summary.Errors)
	if !summary.OK() {
		return fmt.Errorf("%d rule(s) did not verify", summary.Mismatched+summary.Errors)
	}
	return nil
}

func defaultVerifyServer(adguardURL string) (string, error) {
	u, err := url.Parse(adguardURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("cannot derive DNS server from %q; set --server", adguardURL)
	}
	return net.JoinHostPort(u.Hostname(), "53"), nil
}
