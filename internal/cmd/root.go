package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"adguard-dns-sync/internal/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "adguard-sync",
		Short: "Keep DNS rewrites in sync with Kubernetes LoadBalancer services",
		Long: `adguard-sync publishes DNS rewrites for Kubernetes LoadBalancer services and
Traefik ingresses to AdGuard Home (or a Cloudflare zone).

Only rewrites created by this tool are ever updated or deleted. The set of
managed rewrites is kept in a local state file with rotating backups.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.adguard-sync.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "emit logs as JSON")
	rootCmd.PersistentFlags().String("provider", "", "rewrite provider: adguard or cloudflare")
	rootCmd.PersistentFlags().String("state-file", "", "path of the managed rules state file")

	bindFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindFlag("log.json", rootCmd.PersistentFlags().Lookup("json-logs"))
	bindFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
	bindFlag("store.path", rootCmd.PersistentFlags().Lookup("state-file"))

	rootCmd.AddCommand(runCmd, syncCmd, stateCmd, verifyCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	cobra.CheckErr(config.ReadFile(viper.GetViper(), cfgFile))
}
