// Package main is the CLI entry point for crashmon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
	"github.com/eliteGoblin/focusd/crash_mon/internal/infra"
	"github.com/eliteGoblin/focusd/crash_mon/pkg/crashmon"
)

const appName = "crashmon"

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Crash report pipeline - capture, triage and deliver crash reports",
	Long: `crashmon manages the crash reports of an application: it captures
panics into an encrypted local store, triages them at startup and delivers
approved reports to a remote collector from a separate sending process.

Reports wait in the pending partition until approved or declined.`,
	Version:       Version,
	SilenceUsage:  true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show report counts and capture settings",
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List crash reports",
	Long:  `Lists reports of one partition, or of every partition when --state is empty.`,
	RunE:  runList,
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending report for delivery",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var declineCmd = &cobra.Command{
	Use:   "decline <id>",
	Short: "Decline a pending report",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecline,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a report from any partition",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every poisoned report",
	RunE:  runPurge,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or change crash reporting settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting (true/false are stored as booleans)",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSet,
}

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Run startup triage now",
	Long: `Deletes stale and excess reports according to the configured triage
policy and hands approved reports to the sender.`,
	RunE: runTriage,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print pipeline counters from the metrics textfile",
	RunE:  runMetrics,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden send command - entry point of the self-exec'd sending process
var sendCmd = &cobra.Command{
	Use:    "send",
	Hidden: true,
	RunE:   runSend,
}

// Hidden demo-panic command - crashes on purpose to exercise capture
var demoPanicCmd = &cobra.Command{
	Use:    "demo-panic",
	Hidden: true,
	RunE:   runDemoPanic,
}

var (
	configPath  string
	dataDir     string
	listState   string
	jsonOutput  bool
	onGoroutine bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	listCmd.Flags().StringVar(&listState, "state", "", "Partition to list (pending/approved/unapproved/poisoned)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	demoPanicCmd.Flags().BoolVar(&onGoroutine, "goroutine", false, "Panic on a goroutine without Recover")

	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(declineCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(triageCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(demoPanicCmd)
}

// loadConfig reads --config over the defaults and applies --data-dir.
func loadConfig() (*crashmon.Config, error) {
	var (
		cfg *crashmon.Config
		err error
	)
	if configPath != "" {
		cfg, err = crashmon.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = crashmon.DefaultConfig()
		cfg.AppName = appName
		cfg.AppVersion = Version
		cfg.DataDir = infra.DetectPaths(appName).DataDir
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	// The sending process must run the send command, not the caller's.
	if len(cfg.SenderArgs) == 0 {
		cfg.SenderArgs = []string{"send"}
		if configPath != "" {
			abs, err := filepath.Abs(configPath)
			if err == nil {
				cfg.SenderArgs = append(cfg.SenderArgs, "--config", abs)
			}
		}
		if dataDir != "" {
			cfg.SenderArgs = append(cfg.SenderArgs, "--data-dir", dataDir)
		}
	}
	return cfg, nil
}

// openManager loads the config, sets up logging and initializes the pipeline.
func openManager() (*crashmon.Manager, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := createLogger(infra.LogPath(cfg.DataDir))
	_ = crashmon.SetLogger(logger)

	if err := crashmon.Init(cfg); err != nil {
		return nil, logger, err
	}
	m, err := crashmon.ReportManager()
	if err != nil {
		return nil, logger, err
	}
	return m, logger, nil
}

// withManager runs fn against an initialized manager and closes it after.
func withManager(fn func(ctx context.Context, m *crashmon.Manager) error) error {
	m, logger, err := openManager()
	if logger != nil {
		defer func() { _ = logger.Sync() }()
	}
	if err != nil {
		return err
	}
	defer crashmon.Shutdown()
	return fn(context.Background(), m)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		fmt.Println("\n=== crashmon Status ===")
		fmt.Printf("Role: %s\n", m.Role())
		if m.Enabled() {
			fmt.Println("Capture: ENABLED")
		} else {
			fmt.Println("Capture: DISABLED (by settings)")
		}

		fmt.Println("\nReports:")
		for _, state := range domain.AllStates {
			n, err := m.Count(ctx, state)
			if err != nil {
				return err
			}
			fmt.Printf("  %-11s %d\n", state, n)
		}

		if res := m.StartupTriage(); !res.ExecutedAt.IsZero() {
			fmt.Printf("\nStartup triage: %d stale, %d excess deleted, %d dispatched, %d crashes collected\n",
				res.StaleDeleted, res.ExcessDeleted, res.Dispatched, res.CrashesCollected)
		}
		if mig := m.Migration(); mig.Moved > 0 || mig.Failed > 0 {
			fmt.Printf("Legacy migration: %d moved, %d failed\n", mig.Moved, mig.Failed)
		}

		printSettings(m.Settings().All())
		fmt.Println("=======================")
		return nil
	})
}

func runList(cmd *cobra.Command, args []string) error {
	states := domain.AllStates
	if listState != "" {
		state := domain.ApprovalState(listState)
		if !state.Valid() {
			return fmt.Errorf("unknown state %q", listState)
		}
		states = []domain.ApprovalState{state}
	}

	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tVERSION\tCAPTURED\tATTEMPTS\tLAST ERROR")
		for _, state := range states {
			reports, err := m.Reports(ctx, state)
			if err != nil {
				return err
			}
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.State, r.AppVersion, r.CapturedAt.Format(time.RFC3339), r.Attempts, r.LastError)
			}
		}
		return w.Flush()
	})
}

func runApprove(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		if err := m.Approve(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Approved %s\n", args[0])
		m.Wait()
		return nil
	})
}

func runDecline(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		if err := m.Decline(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Declined %s\n", args[0])
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		if err := m.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		n, err := m.Purge(ctx)
		fmt.Printf("Purged %d poisoned report(s)\n", n)
		return err
	})
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		all := m.Settings().All()
		if len(args) == 0 {
			printSettings(all)
			return nil
		}
		v, ok := all[args[0]]
		if !ok {
			return fmt.Errorf("setting %q is not set", args[0])
		}
		fmt.Println(v)
		return nil
	})
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		var value any = args[1]
		if b, err := strconv.ParseBool(args[1]); err == nil {
			value = b
		}
		if err := m.Settings().Set(args[0], value); err != nil {
			return err
		}
		fmt.Printf("%s = %v\n", args[0], value)
		return nil
	})
}

func runTriage(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *crashmon.Manager) error {
		res := m.RunTriage(ctx)
		fmt.Printf("Stale deleted: %d\nExcess deleted: %d\nDispatched: %d\nErrors: %d\n",
			res.StaleDeleted, res.ExcessDeleted, res.Dispatched, len(res.Errors))
		m.Wait()
		return nil
	})
}

func runMetrics(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	families, err := infra.ReadTextfile(cfg.MetricsPath())
	if err != nil {
		return fmt.Errorf("failed to read metrics: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mf := families[name]
		fmt.Printf("%s (%s)\n", name, mf.GetHelp())
		for _, metric := range mf.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			fmt.Printf("  {%s} %g\n", strings.Join(labels, ","), metric.GetCounter().GetValue())
		}
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	m, logger, err := openManager()
	if logger != nil {
		defer func() { _ = logger.Sync() }()
	}
	if err != nil {
		return err
	}
	defer crashmon.Shutdown()

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	err = m.RunSender(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runDemoPanic(cmd *cobra.Command, args []string) error {
	if _, _, err := openManager(); err != nil {
		return err
	}

	if onGoroutine {
		// Unrecovered: the runtime writes the crash output and the next
		// launch collects it.
		done := make(chan struct{})
		go func() {
			defer close(done)
			panic("crashmon demo panic on goroutine")
		}()
		<-done
		return nil
	}

	defer crashmon.Recover()
	panic("crashmon demo panic")
}

func printSettings(all map[string]any) {
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println("\nSettings:")
	if len(keys) == 0 {
		fmt.Println("  (none)")
	}
	for _, k := range keys {
		fmt.Printf("  %s = %v\n", k, all[k])
	}
}

func createLogger(path string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{path}
	config.ErrorOutputPaths = []string{path}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		logger, _ := zap.NewProduction()
		return logger
	}
	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("crashmon %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
