package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	auditadapter "github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/audit"
	"github.com/dead-pool-aka-wilson/moltgate/internal/config"
)

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit",
	Short: "Verify the audit trail's hash chain",
	Long: `Re-derives and compares every audit event's hash against its stored
value, and every event's previous_hash against the preceding event's hash,
across every daily audit file in the audit directory. A broken chain means
an event was edited, deleted, or reordered after the fact.`,
	RunE: runVerifyAudit,
}

func init() {
	rootCmd.AddCommand(verifyAuditCmd)
}

func runVerifyAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := auditadapter.NewFileStore(auditadapter.Config{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
		CacheSize:     cfg.Audit.CacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer func() { _ = store.Close() }()

	result, err := store.VerifyChain(context.Background())
	if err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	}

	if result.Valid {
		fmt.Println("audit chain OK")
		return nil
	}

	fmt.Fprintln(os.Stderr, "audit chain INVALID:")
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "  - %s\n", e)
	}
	return fmt.Errorf("audit chain verification failed with %d error(s)", len(result.Errors))
}
