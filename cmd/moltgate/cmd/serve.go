package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	inhttp "github.com/dead-pool-aka-wilson/moltgate/internal/adapter/inbound/http"
	"github.com/dead-pool-aka-wilson/moltgate/internal/adapter/inbound/tcp"
	auditadapter "github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/audit"
	canaryadapter "github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/canary"
	"github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/cel"
	"github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/integration"
	"github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/memory"
	"github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/oob"
	"github.com/dead-pool-aka-wilson/moltgate/internal/adapter/outbound/secrets"
	"github.com/dead-pool-aka-wilson/moltgate/internal/config"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/approval"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/canary"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/killswitch"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/policy"
	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/vault"
	"github.com/dead-pool-aka-wilson/moltgate/internal/service"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the request server",
	Long: `Start the moltgate request server: the line-delimited JSON TCP listener
that accepts capability_request/capability_execute/content_sanitized/
approval_response/kill messages, plus an HTTP server exposing /health and
/metrics alongside it.

Examples:
  moltgate serve
  moltgate serve --dev
  moltgate --config /path/to/moltgate.yaml serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, relaxed approval checks, an in-memory secret source)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer func() { _ = os.Remove(pidPath) }()
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("moltgate stopped")
	return nil
}

// run wires every collaborator, starts the TCP and HTTP servers and the
// background loops (approval expiry, kill switch file watcher), and blocks
// until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	metrics := service.NewMetrics(reg)

	telemetryWriter, err := openTelemetryLog(cfg.Audit.Dir)
	if err != nil {
		return fmt.Errorf("open telemetry log: %w", err)
	}
	defer func() { _ = telemetryWriter.Close() }()

	telemetry, err := service.NewTelemetry(ctx, telemetryWriter, cfg.Server.Name, Version)
	if err != nil {
		return fmt.Errorf("create telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	auditStore, err := auditadapter.NewFileStore(auditadapter.Config{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
		CacheSize:     cfg.Audit.CacheSize,
		IndexPath:     cfg.Audit.IndexPath,
	}, logger)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	table, evaluator, err := buildDescriptorTable(cfg.Actions)
	if err != nil {
		return fmt.Errorf("build action descriptor table: %w", err)
	}

	cleanupInterval := parseDurationOr(cfg.RateLimit.CleanupInterval, 5*time.Minute)
	maxTTL := parseDurationOr(cfg.RateLimit.MaxTTL, time.Hour)
	rateLimiter := memory.NewRateLimiterWithConfig(cleanupInterval, maxTTL)
	rateLimiter.StartCleanup(ctx)
	defer rateLimiter.Stop()

	engine := policy.NewEngine(table, rateLimiter, evaluator)

	killSwitch := killswitch.New(cfg.KillSwitch.MarkerPath, func(ev killswitch.Event) {
		logger.Warn("kill switch triggered", "reason", ev.Reason, "by", ev.TriggeredBy, "details", ev.Details)
	}, logger)
	anomaly := killswitch.NewAnomalyDetector(killSwitch)

	pollInterval := parseDurationOr(cfg.KillSwitch.PollInterval, time.Second)
	watcher := killswitch.NewWatcher(killSwitch, cfg.KillSwitch.MarkerPath, pollInterval, logger)
	go watcher.Run(ctx)

	canaryStore := canaryadapter.NewJSONFileStore(cfg.Canary.TokensPath, logger)
	triggerLog := canaryadapter.NewJSONLTriggerLog(cfg.Canary.TriggerLogPath)
	canaries, err := canary.NewRegistry(canaryStore, triggerLog, func(t canary.Trigger) {
		logger.Warn("canary token triggered", "token_id", t.TokenID, "source", t.Source)
	}, logger)
	if err != nil {
		return fmt.Errorf("load canary registry: %w", err)
	}

	secretSource, err := buildSecretSource(cfg)
	if err != nil {
		return fmt.Errorf("build secret source: %w", err)
	}
	credentials := vault.New(secretSource)

	integrationClient := integration.NewLoggingIntegration(logger)
	channel := oob.NewLoggingChannel(logger)

	svc := service.New(service.Config{
		Engine:               engine,
		Table:                table,
		AuditStore:           auditStore,
		KillSwitch:           killSwitch,
		Anomaly:              anomaly,
		Canaries:             canaries,
		Channel:              channel,
		DeciderHash:          cfg.Approval.DeciderHash,
		ApprovalTimeout:      parseDurationOr(cfg.Approval.Timeout, approval.Timeout),
		ApprovalPollInterval: parseDurationOr(cfg.Approval.PollInterval, 5*time.Second),
		Vault:                credentials,
		Integration:          integrationClient,
		Metrics:              metrics,
		Telemetry:            telemetry,
		ServerName:           cfg.Server.Name,
		Version:              Version,
		Logger:               logger,
	})
	go svc.Run(ctx)

	requestServer := tcp.NewServer(cfg.Server.ListenAddr, svc, telemetry, cfg.Server.Workers, logger)

	mux := stdhttp.NewServeMux()
	health := inhttp.NewHealthChecker(auditStore, killSwitch, Version)
	mux.Handle("/health", health.Handler())
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, inhttp.MetricsHandler(reg))
	}
	opsServer := &stdhttp.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("health/metrics server listening", "addr", cfg.Server.MetricsAddr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- fmt.Errorf("health/metrics server: %w", err)
		}
	}()
	go func() {
		if err := requestServer.ListenAndServe(ctx); err != nil {
			errCh <- fmt.Errorf("request server: %w", err)
		}
	}()

	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(shutdownCtx)
	_ = requestServer.Close()

	return nil
}

// buildDescriptorTable turns configured actions into a policy.StaticTable,
// compiling any CEL conditions once at boot. Returns a true nil
// ConditionEvaluator (not a non-nil interface wrapping a nil *cel.Evaluator)
// when no action configures a condition, matching policy.Engine's
// "nil means unconditional" contract.
func buildDescriptorTable(actions []config.ActionConfig) (*policy.StaticTable, policy.ConditionEvaluator, error) {
	descriptors := make([]policy.ActionDescriptor, 0, len(actions))
	var hasConditions bool
	for _, a := range actions {
		descriptors = append(descriptors, policy.ActionDescriptor{
			Name:          a.Name,
			ApprovalLevel: policy.ApprovalLevel(strings.ToUpper(a.ApprovalLevel)),
			RateCap:       a.RateCap,
			Description:   a.Description,
			Condition:     a.Condition,
		})
		if a.Condition != "" {
			hasConditions = true
		}
	}
	table := policy.NewStaticTable(descriptors)

	if !hasConditions {
		return table, nil, nil
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, nil, fmt.Errorf("create condition evaluator: %w", err)
	}
	for _, a := range actions {
		if a.Condition == "" {
			continue
		}
		if err := evaluator.CompileCondition(a.Name, a.Condition); err != nil {
			return nil, nil, fmt.Errorf("compile condition for %q: %w", a.Name, err)
		}
	}
	return table, evaluator, nil
}

// buildSecretSource returns a KeyTool-backed vault.SecretSource, or, in dev
// mode with no key file configured, a permissive source that hands back no
// secrets at all — enough to exercise the dispatch path without requiring
// an age/sops key file for local development.
func buildSecretSource(cfg *config.Config) (vault.SecretSource, error) {
	if cfg.DevMode && cfg.Secrets.KeyFile == "" {
		return devSecretSource{}, nil
	}
	return secrets.NewKeyTool(cfg.Secrets.Binary, cfg.Secrets.Dir, cfg.Secrets.KeyFile)
}

// devSecretSource implements vault.SecretSource with no backing store, for
// development runs that have no key material configured.
type devSecretSource struct{}

func (devSecretSource) Decrypt(file string) (map[string]string, error) {
	return map[string]string{}, nil
}

// openTelemetryLog opens the file telemetry spans and metrics are written
// to, alongside the audit directory they describe.
func openTelemetryLog(auditDir string) (*os.File, error) {
	if err := os.MkdirAll(auditDir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return os.OpenFile(filepath.Join(auditDir, "telemetry.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// parseDurationOr parses s, falling back to def on an empty or malformed
// value.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printBanner(cfg *config.Config, version string) {
	fmt.Fprintf(os.Stderr, "moltgate %s\n", version)
	fmt.Fprintf(os.Stderr, "  request server: %s\n", cfg.Server.ListenAddr)
	fmt.Fprintf(os.Stderr, "  health/metrics: %s\n", cfg.Server.MetricsAddr)
	fmt.Fprintf(os.Stderr, "  audit dir:      %s\n", cfg.Audit.Dir)
	fmt.Fprintf(os.Stderr, "  kill marker:    %s\n", cfg.KillSwitch.MarkerPath)
	if cfg.DevMode {
		fmt.Fprintln(os.Stderr, "  dev mode:       ENABLED (do not use in production)")
	}
}

// pidFilePath returns the standard location for the moltgate PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".moltgate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "moltgate-server.pid")
}

// writePIDFile writes the current process PID to path, creating parent
// directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
