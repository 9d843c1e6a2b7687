package daemon

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
	"github.com/eliteGoblin/focusd/crash_mon/internal/infra"
)

// ProcessDispatcher implements domain.Dispatcher by starting the sending-role
// process. Reports are already in the store; the child rereads it.
type ProcessDispatcher struct {
	executable string
	suffix     string
	args       []string
	pidPath    string
	pm         domain.ProcessManager
	logger     *zap.Logger

	mu sync.Mutex
	// start is replaced in tests.
	start func(cmd *exec.Cmd) error
}

// NewProcessDispatcher creates a dispatcher that self-execs executable with
// argv[0] set to executable+suffix.
func NewProcessDispatcher(
	executable, suffix string,
	args []string,
	pidPath string,
	pm domain.ProcessManager,
	logger *zap.Logger,
) *ProcessDispatcher {
	return &ProcessDispatcher{
		executable: executable,
		suffix:     suffix,
		args:       args,
		pidPath:    pidPath,
		pm:         pm,
		logger:     logger,
		start:      startDetached,
	}
}

// Dispatch starts a sending process unless one is already alive.
func (d *ProcessDispatcher) Dispatch(ctx context.Context, reports []domain.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(reports) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if pid, alive := d.senderAlive(); alive {
		d.logger.Debug("sender process already running", zap.Int("pid", pid))
		return nil
	}

	cmd := d.command()
	if err := d.start(cmd); err != nil {
		d.logger.Error("failed to start sender process", zap.Error(err))
		return err
	}
	d.logger.Info("sender process started",
		zap.Int("reports", len(reports)),
		zap.String("argv0", cmd.Args[0]))
	return nil
}

// senderAlive checks the pidfile owner is a live process with the sender suffix.
func (d *ProcessDispatcher) senderAlive() (int, bool) {
	pid, err := infra.ReadPIDFile(d.pidPath)
	if err != nil {
		return 0, false
	}
	if !d.pm.IsRunning(pid) {
		return pid, false
	}
	name, err := d.pm.Identity(pid)
	if err != nil {
		return pid, false
	}
	return pid, strings.HasSuffix(name, d.suffix)
}

func (d *ProcessDispatcher) command() *exec.Cmd {
	cmd := exec.Command(d.executable, d.args...)
	// exec.Command sets Args[0] to the path; the role lives in argv[0].
	cmd.Args[0] = d.executable + d.suffix
	return cmd
}

// startDetached spawns cmd in its own session and reaps it in the background.
func startDetached(cmd *exec.Cmd) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // New session, survives the parent's terminal
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// Ensure ProcessDispatcher implements domain.Dispatcher.
var _ domain.Dispatcher = (*ProcessDispatcher)(nil)
