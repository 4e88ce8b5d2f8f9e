package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dead-pool-aka-wilson/moltgate/internal/config"
)

var resetKillswitchForce bool

var resetKillswitchCmd = &cobra.Command{
	Use:   "reset-killswitch",
	Short: "Clear a triggered kill switch's marker file",
	Long: `Remove the kill switch marker file, the durable record a triggered kill
leaves behind. A running executor's file watcher only escalates when it
finds a marker containing a kill literal; removing it is what lets a
restarted (or watching) executor come back up armed instead of immediately
re-triggering.

This does not touch a currently-running process's in-memory state: restart
the executor after running this command.

Example:
  moltgate reset-killswitch
  moltgate reset-killswitch --force`,
	RunE: runResetKillswitch,
}

func init() {
	resetKillswitchCmd.Flags().BoolVar(&resetKillswitchForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetKillswitchCmd)
}

func runResetKillswitch(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := cfg.KillSwitch.MarkerPath
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "Nothing to reset — no kill marker found.")
			return nil
		}
		return fmt.Errorf("stat kill marker: %w", err)
	}

	fmt.Fprintf(os.Stderr, "The following will be removed:\n  - %s (kill switch marker)\n", path)

	if !resetKillswitchForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove kill marker: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Kill marker removed. Restart the executor to come back up armed.")
	return nil
}
