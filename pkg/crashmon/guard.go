// Package crashmon is the public entry point of the crash-report pipeline.
//
// A host application calls Init once at startup and defers Recover in
// goroutines it wants captured:
//
//	if err := crashmon.Init(cfg); err != nil {
//		log.Printf("crash reporting disabled: %v", err)
//	}
//	defer crashmon.Recover()
//
// The same binary doubles as the sending process. When started with argv[0]
// ending in the configured suffix, Init resolves the sending role, skips
// capture and the host should call ReportManager().RunSender.
package crashmon

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
	"github.com/eliteGoblin/focusd/crash_mon/internal/infra"
)

// Config is the configuration record supplied to Init.
type Config = config.Config

// Report is one persisted crash report.
type Report = domain.Report

// ApprovalState is the partition a report lives in.
type ApprovalState = domain.ApprovalState

// ProcessRole is the half of the pipeline a process runs.
type ProcessRole = domain.ProcessRole

const (
	StatePending    = domain.StatePending
	StateApproved   = domain.StateApproved
	StateUnapproved = domain.StateUnapproved
	StatePoisoned   = domain.StatePoisoned

	RoleCapturing = domain.RoleCapturing
	RoleSending   = domain.RoleSending
)

var (
	ErrUninitialized        = domain.ErrUninitialized
	ErrInvalidConfiguration = domain.ErrInvalidConfiguration
	ErrDuplicateInit        = domain.ErrDuplicateInit
	ErrStoreIO              = domain.ErrStoreIO
	ErrInvalidTransition    = domain.ErrInvalidTransition
	ErrNotFound             = domain.ErrNotFound
	ErrDuplicate            = domain.ErrDuplicate
	ErrDelivery             = domain.ErrDelivery
	ErrPermanentDelivery    = domain.ErrPermanentDelivery
	ErrNullArgument         = domain.ErrNullArgument
	ErrTypeMismatch         = domain.ErrTypeMismatch
	ErrWriteOnce            = domain.ErrWriteOnce
	ErrWrongRole            = domain.ErrWrongRole
)

// DefaultConfig returns a Config with every optional field defaulted.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

var (
	guardMu sync.Mutex
	manager atomic.Pointer[Manager]
	logger  atomic.Pointer[zap.Logger]

	// newProcessManager is replaced in tests.
	newProcessManager = infra.NewProcessManager
)

func init() {
	logger.Store(zap.NewNop())
}

// SetLogger replaces the logger used by Init and every component it builds.
// Components created before the call keep the previous logger.
func SetLogger(l *zap.Logger) error {
	if l == nil {
		return fmt.Errorf("logger: %w", ErrNullArgument)
	}
	logger.Store(l)
	return nil
}

// Init builds the pipeline. It runs at most once per process: later calls
// log a warning and return nil. An invalid config leaves crash reporting
// disabled and the guard uninitialized, so a later valid call may succeed.
func Init(cfg *Config) error {
	guardMu.Lock()
	defer guardMu.Unlock()

	log := logger.Load()
	if manager.Load() != nil {
		log.Warn("crash reporting already initialized, ignoring", zap.Error(ErrDuplicateInit))
		return nil
	}

	if cfg == nil {
		log.Error("crash reporting disabled: nil config")
		return fmt.Errorf("%w: config is nil", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("crash reporting disabled: invalid config", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := cfg.CheckResources(); err != nil {
		log.Error("crash reporting disabled: resources unavailable", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	// Later mutation by the caller must not reach the running pipeline.
	frozen := *cfg
	frozen.SenderArgs = append([]string(nil), cfg.SenderArgs...)

	m, err := newManager(&frozen, newProcessManager(), log)
	if err != nil {
		log.Error("crash reporting disabled", zap.Error(err))
		return err
	}
	manager.Store(m)
	return nil
}

// IsInitialized reports whether Init has succeeded.
func IsInitialized() bool {
	return manager.Load() != nil
}

// ReportManager returns the manager built by Init.
func ReportManager() (*Manager, error) {
	m := manager.Load()
	if m == nil {
		return nil, ErrUninitialized
	}
	return m, nil
}

// Recover is meant to be deferred. It captures a panic through the manager
// and re-panics. Before Init it only re-panics.
func Recover() {
	v := recover()
	if v == nil {
		return
	}
	m := manager.Load()
	if m == nil {
		panic(v)
	}
	m.captor.HandlePanic(v, debug.Stack())
}

// Shutdown closes the manager at process exit. Init may run again after it.
func Shutdown() error {
	guardMu.Lock()
	defer guardMu.Unlock()
	if m := manager.Swap(nil); m != nil {
		return m.Close()
	}
	return nil
}

func reset() {
	_ = Shutdown()
}
