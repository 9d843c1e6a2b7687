package crashmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
	"github.com/eliteGoblin/focusd/crash_mon/internal/daemon"
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
	"github.com/eliteGoblin/focusd/crash_mon/internal/infra"
	"github.com/eliteGoblin/focusd/crash_mon/internal/policy"
	"github.com/eliteGoblin/focusd/crash_mon/internal/usecase"
)

// Settings is the user settings store shared by every process of the app.
type Settings interface {
	domain.SettingsStore
	All() map[string]any
}

// Manager owns the pipeline of one process.
type Manager struct {
	cfg    *config.Config
	role   domain.ProcessRole
	logger *zap.Logger

	store      *infra.SQLCipherReportStore
	settings   *infra.FileSettingsStore
	metrics    *infra.PrometheusMetrics
	captor     *usecase.Captor
	sender     *usecase.Sender // nil without a collector
	dispatcher domain.Dispatcher
	async      *usecase.AsyncDispatcher // set in in-process sender mode
	triage     *usecase.Triage

	migration    domain.MigrationResult
	startTriage  domain.TriageResult
	subscription domain.Subscription
	stopWatch    context.CancelFunc
	watchDone    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newManager(cfg *config.Config, pm domain.ProcessManager, log *zap.Logger) (*Manager, error) {
	role := infra.NewRoleResolver(pm, cfg.SenderProcessSuffix, log).Resolve()
	log = log.With(zap.String("role", string(role)))

	settings, err := infra.OpenSettingsStore(cfg.SettingsPath(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}

	key, err := infra.EnsureKey(infra.NewKeyFile(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load report key: %w", err)
	}
	store, err := infra.NewReportStore(cfg.DataDir, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open report store: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		role:     role,
		logger:   log,
		store:    store,
		settings: settings,
		metrics:  infra.NewPrometheusMetrics(),
	}
	if err := m.metrics.Restore(cfg.MetricsPath()); err != nil {
		log.Warn("failed to restore metrics", zap.Error(err))
	}

	if cfg.LegacyDir != "" {
		m.migrate()
	}

	if cfg.Collector.URL != "" {
		transport := infra.NewHTTPTransport(cfg.Collector.URL, cfg.Collector.APIKey(), cfg.AppName, cfg.Collector.Timeout)
		m.sender = usecase.NewSender(store, transport, cfg.Retry, m.metrics, log)
		if err := m.buildDispatcher(pm); err != nil {
			store.Close()
			return nil, err
		}
	} else {
		log.Info("no collector configured, approved reports are kept")
	}

	m.captor = usecase.NewCaptor(cfg, store, settings, m.dispatcher, pm, m.metrics, log)
	m.captor.SetRole(role)
	m.refreshEnabled()
	m.triage = usecase.NewTriage(cfg.Triage, cfg.AppVersion, store, settings, m.dispatcher, m.captor.Enabled, m.metrics, log)

	if role == domain.RoleCapturing {
		m.startCapturing()
	}

	m.subscription = settings.Subscribe(func(key string) {
		if policy.IsCaptureKey(key) {
			m.refreshEnabled()
		}
	})
	m.watch()

	log.Info("crash reporting initialized",
		zap.String("app_version", cfg.AppVersion),
		zap.String("approval_mode", string(cfg.ApprovalMode)),
		zap.Bool("capture_enabled", m.captor.Enabled()))
	return m, nil
}

func (m *Manager) migrate() {
	migrator := usecase.NewMigrator(infra.NewLegacySource(m.cfg.LegacyDir), m.store, m.settings, m.cfg.ApprovalMode, m.logger)
	if migrator.Done() {
		m.migration.Complete = true
		return
	}
	res, err := migrator.Migrate(context.Background())
	if err != nil {
		m.logger.Warn("legacy migration incomplete", zap.Error(err))
	}
	m.migration = res
}

func (m *Manager) buildDispatcher(pm domain.ProcessManager) error {
	switch m.cfg.SenderMode {
	case config.SenderProcess:
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable: %w", err)
		}
		args := m.cfg.SenderArgs
		if len(args) == 0 {
			args = os.Args[1:]
		}
		m.dispatcher = daemon.NewProcessDispatcher(exe, m.cfg.SenderProcessSuffix, args,
			infra.SenderPIDPath(m.cfg.DataDir), pm, m.logger)
	default:
		m.async = usecase.NewAsyncDispatcher(m.sender, m.logger)
		m.dispatcher = m.async
	}
	return nil
}

// startCapturing installs the crash hook, turns crash output of dead
// processes into reports and runs startup triage.
func (m *Manager) startCapturing() {
	if err := m.captor.Install(); err != nil {
		m.logger.Error("failed to install crash hook", zap.Error(err))
	}

	ctx := context.Background()
	collected, err := m.captor.CollectCrashOutput(ctx)
	if err != nil {
		m.logger.Warn("failed to collect crash output", zap.Error(err))
	}

	m.startTriage = m.triage.Run(ctx)
	m.startTriage.CrashesCollected = collected
	m.writeMetrics()
}

func (m *Manager) refreshEnabled() {
	enabled := !policy.CaptureDisabled(m.settings, m.cfg.CaptureEnabledDefault)
	if enabled != m.captor.Enabled() {
		m.logger.Info("crash capture toggled by settings", zap.Bool("enabled", enabled))
	}
	m.captor.SetEnabled(enabled)
}

// watch follows settings written by other processes.
func (m *Manager) watch() {
	ctx, cancel := context.WithCancel(context.Background())
	m.stopWatch = cancel
	m.watchDone = make(chan struct{})
	go func() {
		defer close(m.watchDone)
		if err := m.settings.Watch(ctx); err != nil {
			m.logger.Warn("settings watch stopped", zap.Error(err))
		}
	}()
}

func (m *Manager) writeMetrics() {
	if err := m.metrics.WriteTextfile(m.cfg.MetricsPath()); err != nil {
		m.logger.Warn("failed to write metrics", zap.Error(err))
	}
}

// Role is the role resolved at Init.
func (m *Manager) Role() ProcessRole {
	return m.role
}

// Settings returns the settings store.
func (m *Manager) Settings() Settings {
	return m.settings
}

// Capture records a failure explicitly and returns the report id, or ""
// when nothing was stored. A nil stack means the caller's stack.
func (m *Manager) Capture(v any, stack []byte) string {
	if stack == nil {
		stack = debug.Stack()
	}
	return m.captor.Capture(v, stack)
}

// Recover is meant to be deferred. It captures a panic and re-panics unless
// suppress_default_crash is set.
func (m *Manager) Recover() {
	if v := recover(); v != nil {
		m.captor.HandlePanic(v, debug.Stack())
	}
}

// SetEnabled flips capture for this process only. Persisted toggles go
// through Settings.
func (m *Manager) SetEnabled(enabled bool) {
	m.captor.SetEnabled(enabled)
}

// Enabled reports whether capture is on.
func (m *Manager) Enabled() bool {
	return m.captor.Enabled()
}

// Approve moves a pending report to approved and hands it to the sender.
func (m *Manager) Approve(ctx context.Context, id string) error {
	if err := m.store.Transition(ctx, id, domain.StateApproved); err != nil {
		return fmt.Errorf("failed to approve report: %w", err)
	}
	if m.dispatcher == nil || !m.captor.Enabled() {
		return nil
	}
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load approved report: %w", err)
	}
	if err := m.dispatcher.Dispatch(ctx, []domain.Report{*r}); err != nil {
		m.logger.Warn("failed to dispatch approved report", zap.String("report", id), zap.Error(err))
	}
	return nil
}

// Decline moves a pending report to unapproved.
func (m *Manager) Decline(ctx context.Context, id string) error {
	if err := m.store.Transition(ctx, id, domain.StateUnapproved); err != nil {
		return fmt.Errorf("failed to decline report: %w", err)
	}
	return nil
}

// Reports returns a snapshot of one partition in capture order.
func (m *Manager) Reports(ctx context.Context, state ApprovalState) ([]Report, error) {
	cur, err := m.store.List(ctx, state)
	if err != nil {
		return nil, err
	}
	return cur.All(), nil
}

// Get returns one report.
func (m *Manager) Get(ctx context.Context, id string) (*Report, error) {
	return m.store.Get(ctx, id)
}

// Count returns the number of reports in a partition.
func (m *Manager) Count(ctx context.Context, state ApprovalState) (int, error) {
	return m.store.Count(ctx, state)
}

// Delete removes a report from any partition.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Purge deletes every poisoned report and returns how many were removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	cur, err := m.store.List(ctx, domain.StatePoisoned)
	if err != nil {
		return 0, err
	}
	var (
		purged int
		errs   []error
	)
	for cur.Next() {
		id := cur.Report().ID
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn("failed to purge report", zap.String("report", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		purged++
	}
	return purged, errors.Join(errs...)
}

// RunTriage runs the startup triage steps again.
func (m *Manager) RunTriage(ctx context.Context) domain.TriageResult {
	res := m.triage.Run(ctx)
	m.writeMetrics()
	return res
}

// StartupTriage is the triage result recorded at Init. Zero in the sending role.
func (m *Manager) StartupTriage() domain.TriageResult {
	return m.startTriage
}

// Migration is the legacy migration result recorded at Init.
func (m *Manager) Migration() domain.MigrationResult {
	return m.migration
}

// MetricsPath is the metrics textfile of this data dir.
func (m *Manager) MetricsPath() string {
	return m.cfg.MetricsPath()
}

// RunSender drains the approved partition in the sending role. It returns
// when nothing is left to send or ctx is done. A capturing process already
// delivers through its dispatcher and gets ErrWrongRole.
func (m *Manager) RunSender(ctx context.Context) error {
	if m.role != domain.RoleSending {
		m.logger.Warn("refusing to run sender outside the sending role")
		return fmt.Errorf("%w: sender runs only as %s", ErrWrongRole, domain.RoleSending)
	}
	if m.sender == nil {
		return fmt.Errorf("%w: collector.url is required to send", ErrInvalidConfiguration)
	}
	d := daemon.NewSenderDaemon(daemon.SenderConfig{
		PollInterval: m.cfg.SenderPollInterval,
		PIDPath:      infra.SenderPIDPath(m.cfg.DataDir),
		MetricsPath:  m.cfg.MetricsPath(),
	}, m.sender, m.metrics, m.logger)
	return d.Run(ctx)
}

// Wait blocks until in-process deliveries settle. A no-op when delivery
// runs in the sending process.
func (m *Manager) Wait() {
	if m.async != nil {
		m.async.Wait()
	}
}

// Close stops background work and releases the store. Reports still being
// delivered stay approved for the next launch.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.subscription.Close()
		m.stopWatch()
		<-m.watchDone
		if m.async != nil {
			m.async.Close()
		}
		m.writeMetrics()
		m.closeErr = m.store.Close()
	})
	return m.closeErr
}
