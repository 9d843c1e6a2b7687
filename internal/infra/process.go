// Package infra implements infrastructure concerns (process, storage, settings, transport).
package infra

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// Identity returns argv[0] of pid as found among all live processes.
func (pm *ProcessManagerImpl) Identity(pid int) (string, error) {
	procs, err := process.Processes()
	if err != nil {
		return "", err
	}

	for _, p := range procs {
		if int(p.Pid) != pid {
			continue
		}
		args, err := p.CmdlineSlice()
		if err != nil {
			return "", err
		}
		if len(args) == 0 {
			return "", fmt.Errorf("process %d has empty command line", pid)
		}
		return args[0], nil
	}
	return "", fmt.Errorf("process %d not found", pid)
}

// FindBySuffix returns PIDs of live processes whose argv[0] ends with suffix.
func (pm *ProcessManagerImpl) FindBySuffix(suffix string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var found []int
	for _, p := range procs {
		args, err := p.CmdlineSlice()
		if err != nil || len(args) == 0 {
			continue // Process may have exited
		}
		if strings.HasSuffix(args[0], suffix) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// SuffixRoleResolver implements domain.RoleResolver by comparing this
// process's argv[0] against the reserved sending-role suffix.
type SuffixRoleResolver struct {
	pm     domain.ProcessManager
	suffix string
	logger *zap.Logger
}

// NewRoleResolver creates a resolver for the given sending-role suffix.
func NewRoleResolver(pm domain.ProcessManager, suffix string, logger *zap.Logger) *SuffixRoleResolver {
	return &SuffixRoleResolver{pm: pm, suffix: suffix, logger: logger}
}

// Resolve returns RoleSending only on a positive match. Any lookup failure
// resolves to RoleCapturing: capturing by mistake is recoverable, silently
// dropping crashes is not.
func (r *SuffixRoleResolver) Resolve() domain.ProcessRole {
	pid := r.pm.GetCurrentPID()
	name, err := r.pm.Identity(pid)
	if err != nil {
		r.logger.Debug("process identity lookup failed, assuming capturing role",
			zap.Int("pid", pid),
			zap.Error(err))
		return domain.RoleCapturing
	}

	if r.suffix != "" && strings.HasSuffix(name, r.suffix) {
		r.logger.Debug("running as sending process", zap.String("process", name))
		return domain.RoleSending
	}
	return domain.RoleCapturing
}

// Ensure implementations satisfy domain interfaces.
var (
	_ domain.ProcessManager = (*ProcessManagerImpl)(nil)
	_ domain.RoleResolver   = (*SuffixRoleResolver)(nil)
)
