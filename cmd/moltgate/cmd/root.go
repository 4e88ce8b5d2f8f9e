// Package cmd provides the CLI commands for the moltgate executor.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dead-pool-aka-wilson/moltgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "moltgate",
	Short: "moltgate - the capability executor's request server",
	Long: `moltgate is the executor of a layered agent security architecture: it
holds the only credentials capable of real-world effect and is the sole
component authorized to actually call external tools, gated by policy,
rate caps, human approval, and a kill switch.

Quick start:
  1. Create a config file: moltgate.yaml
  2. Run: moltgate serve

Configuration:
  Config is loaded from moltgate.yaml in the current directory,
  $HOME/.moltgate/, or /etc/moltgate/.

  Environment variables can override config values with the MOLTGATE_ prefix.
  Example: MOLTGATE_SERVER_LISTEN_ADDR=:7070

Commands:
  serve            Start the request server
  verify-audit     Verify the audit trail's hash chain
  reset-killswitch Clear a triggered kill switch's marker file
  hash-key         Generate an argon2id hash for a decider token
  version          Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./moltgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
