package usecase

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
	"github.com/eliteGoblin/focusd/crash_mon/internal/policy"
)

const (
	crashExt  = ".crash"
	markerExt = ".captured"

	sourceRecover     = "recover"
	sourceCrashOutput = "crash-output"
	sourceManual      = "manual"
)

// failure is the JSON payload of a captured report.
type failure struct {
	Message    string   `json:"message"`
	PanicValue string   `json:"panic_value,omitempty"`
	Stack      string   `json:"stack"`
	Goroutine  string   `json:"goroutine,omitempty"`
	Source     string   `json:"source"`
	GoVersion  string   `json:"go_version"`
	OS         string   `json:"os"`
	Arch       string   `json:"arch"`
	Executable string   `json:"executable,omitempty"`
	Args       []string `json:"args,omitempty"`
	PID        int      `json:"pid"`
	UserEmail  string   `json:"user_email,omitempty"`
}

// Captor turns unhandled failures into persisted reports.
type Captor struct {
	cfg        *config.Config
	store      domain.ReportStore
	settings   domain.SettingsStore
	dispatcher domain.Dispatcher
	pm         domain.ProcessManager
	metrics    domain.MetricsRecorder
	logger     *zap.Logger

	enabled   atomic.Bool
	installed atomic.Bool
	// sending is set in the sending-role process, whose own failures are
	// never reported.
	sending atomic.Bool
}

// NewCaptor creates a captor. Capture starts enabled.
func NewCaptor(
	cfg *config.Config,
	store domain.ReportStore,
	settings domain.SettingsStore,
	dispatcher domain.Dispatcher,
	pm domain.ProcessManager,
	metrics domain.MetricsRecorder,
	logger *zap.Logger,
) *Captor {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	c := &Captor{
		cfg:        cfg,
		store:      store,
		settings:   settings,
		dispatcher: dispatcher,
		pm:         pm,
		metrics:    metrics,
		logger:     logger,
	}
	c.enabled.Store(true)
	return c
}

// SetEnabled turns capture on or off. Read at every trigger.
func (c *Captor) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Enabled reports whether capture is on.
func (c *Captor) Enabled() bool {
	return c.enabled.Load()
}

// SetRole tells the captor which half of the pipeline this process runs.
// In the sending role Install is a no-op and nothing is ever persisted.
func (c *Captor) SetRole(role domain.ProcessRole) {
	c.sending.Store(role == domain.RoleSending)
}

// Installed reports whether the process-wide hook is in place.
func (c *Captor) Installed() bool {
	return c.installed.Load()
}

// Install routes the runtime's fatal crash output to <crash dir>/<pid>.crash
// so a panic on any goroutine is on disk before the process dies. The runtime
// still prints to stderr and exits as usual. Only the first call installs.
func (c *Captor) Install() error {
	if c.sending.Load() {
		return nil
	}
	if !c.installed.CompareAndSwap(false, true) {
		return nil
	}

	dir := c.cfg.CrashDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		c.installed.Store(false)
		return fmt.Errorf("failed to create crash directory: %w", err)
	}

	pid := c.pm.GetCurrentPID()
	path := filepath.Join(dir, strconv.Itoa(pid)+crashExt)

	// A leftover file with our pid belongs to a dead process; keep it for collection.
	marker := filepath.Join(dir, strconv.Itoa(pid)+markerExt)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		stem := filepath.Join(dir, fmt.Sprintf("%d-%d", pid, time.Now().UnixNano()))
		if err := os.Rename(path, stem+crashExt); err != nil {
			c.logger.Warn("failed to set aside previous crash output", zap.Error(err))
		}
		_ = os.Rename(marker, stem+markerExt)
	}
	_ = os.Remove(marker)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		c.installed.Store(false)
		return fmt.Errorf("failed to open crash output: %w", err)
	}
	// The runtime keeps its own duplicate of the descriptor.
	defer f.Close()

	if err := debug.SetCrashOutput(f, debug.CrashOptions{}); err != nil {
		c.installed.Store(false)
		return fmt.Errorf("failed to set crash output: %w", err)
	}

	c.logger.Debug("crash hook installed", zap.String("path", path))
	return nil
}

// Recover is meant to be deferred: it captures a panic and then re-panics so
// the default crash behavior still runs, unless suppression is configured.
func (c *Captor) Recover() {
	if v := recover(); v != nil {
		c.HandlePanic(v, debug.Stack())
	}
}

// HandlePanic captures a recovered panic value and chains to the default
// behavior. For callers that run recover() themselves.
func (c *Captor) HandlePanic(v any, stack []byte) {
	id := c.capture(v, stack, sourceRecover)
	if c.cfg.SuppressDefaultCrash {
		return
	}
	if id != "" {
		c.markCaptured(panicMessage(v))
	}
	panic(v)
}

// Capture records a failure explicitly. It never panics and never returns
// an error; the report id is empty when nothing was stored.
func (c *Captor) Capture(v any, stack []byte) string {
	if stack == nil {
		stack = debug.Stack()
	}
	return c.capture(v, stack, sourceManual)
}

func (c *Captor) capture(v any, stack []byte, source string) (id string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("crash capture failed", zap.Any("panic", r))
			id = ""
		}
	}()

	if c.sending.Load() {
		c.logger.Debug("failure in sending process is not captured")
		return ""
	}
	if !c.enabled.Load() {
		c.logger.Debug("crash capture disabled, dropping failure")
		return ""
	}

	f := c.newFailure(source)
	f.Message = panicMessage(v)
	f.PanicValue = fmt.Sprintf("%#v", v)
	f.Stack = string(stack)
	f.Goroutine = firstLine(stack)

	r, err := c.persist(context.Background(), f, time.Now())
	if err != nil {
		c.logger.Error("failed to persist crash report", zap.Error(err))
		return ""
	}
	return r.ID
}

// persist stores a failure in the partition chosen by the approval policy and
// dispatches it when it is already approved.
func (c *Captor) persist(ctx context.Context, f failure, capturedAt time.Time) (*domain.Report, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failure: %w", err)
	}

	state := policy.DecideWithOverride(c.cfg.ApprovalMode, policy.AlwaysAccept(c.settings))
	r := &domain.Report{
		CapturedAt: capturedAt,
		AppVersion: c.cfg.AppVersion,
		State:      state,
		Payload:    payload,
	}
	if err := c.store.Enqueue(ctx, r); err != nil {
		return nil, err
	}
	c.metrics.ReportCaptured(state)

	c.logger.Info("crash report captured",
		zap.String("report", r.ID),
		zap.String("state", string(state)),
		zap.String("source", f.Source))

	if state == domain.StateApproved && c.dispatcher != nil {
		if err := c.dispatcher.Dispatch(ctx, []domain.Report{*r}); err != nil {
			c.logger.Warn("failed to dispatch captured report", zap.String("report", r.ID), zap.Error(err))
		}
	}
	return r, nil
}

// CollectCrashOutput turns crash files left behind by dead processes into
// reports. Empty files are removed. Files of live processes are left alone.
// Returns the number of reports created.
func (c *Captor) CollectCrashOutput(ctx context.Context) (int, error) {
	dir := c.cfg.CrashDir()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read crash directory: %w", err)
	}

	self := c.pm.GetCurrentPID()
	collected := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != crashExt {
			continue
		}
		if err := ctx.Err(); err != nil {
			return collected, err
		}

		path := filepath.Join(dir, e.Name())
		pid, whole := crashFilePID(e.Name())
		if whole && (pid == self || c.pm.IsRunning(pid)) {
			continue
		}

		ok, err := c.collectFile(ctx, path, pid)
		if err != nil {
			c.logger.Warn("failed to collect crash output",
				zap.String("file", e.Name()),
				zap.Error(err))
			continue
		}
		if ok {
			collected++
		}
	}
	return collected, nil
}

func (c *Captor) collectFile(ctx context.Context, path string, pid int) (bool, error) {
	marker := strings.TrimSuffix(path, crashExt) + markerExt
	defer os.Remove(marker)

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Size() == 0 || !c.enabled.Load() {
		return false, os.Remove(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	// Recover already stored this panic before re-raising it.
	if msg, err := os.ReadFile(marker); err == nil && len(msg) > 0 &&
		strings.Contains(firstLine(data), string(msg)) {
		return false, os.Remove(path)
	}

	f := c.newFailure(sourceCrashOutput)
	f.PID = pid
	f.Executable = ""
	f.Args = nil
	f.Message = firstLine(data)
	f.Stack = string(data)
	f.Goroutine = goroutineHeader(data)

	if _, err := c.persist(ctx, f, info.ModTime()); err != nil {
		return false, err
	}
	return true, os.Remove(path)
}

// markCaptured records that this process's coming crash output for msg
// duplicates a report that Recover already stored.
func (c *Captor) markCaptured(msg string) {
	if !c.installed.Load() || msg == "" {
		return
	}
	marker := filepath.Join(c.cfg.CrashDir(), strconv.Itoa(c.pm.GetCurrentPID())+markerExt)
	if err := os.WriteFile(marker, []byte(msg), 0600); err != nil {
		c.logger.Debug("failed to write capture marker", zap.Error(err))
	}
}

func (c *Captor) newFailure(source string) failure {
	f := failure{
		Source:    source,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		PID:       c.pm.GetCurrentPID(),
		Args:      os.Args,
	}
	if exe, err := os.Executable(); err == nil {
		f.Executable = exe
	}
	if email, err := c.settings.GetString(domain.SettingUserEmail, ""); err == nil {
		f.UserEmail = email
	}
	return f
}

// crashFilePID parses "<pid>.crash" or "<pid>-<nanos>.crash". whole is false
// for set-aside files, which always belong to a dead process.
func crashFilePID(name string) (pid int, whole bool) {
	stem := strings.TrimSuffix(name, crashExt)
	head, _, aside := strings.Cut(stem, "-")
	pid, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return pid, !aside
}

func panicMessage(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(v)
}

func firstLine(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}

func goroutineHeader(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "goroutine ") {
			return line
		}
	}
	return ""
}
