package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning means another process holds the pidfile lock.
var ErrAlreadyRunning = errors.New("another instance is running")

// PIDFile is an exclusively locked pidfile held for a process lifetime.
type PIDFile struct {
	path string
	file *os.File
}

// AcquirePIDFile locks path without blocking and writes the current pid.
// Returns ErrAlreadyRunning when a live process holds it. The kernel drops
// the lock when the holder dies, so a stale file never blocks.
func AcquirePIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open pidfile: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to lock pidfile: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate pidfile: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pidfile: %w", err)
	}
	return &PIDFile{path: path, file: f}, nil
}

// Release unlocks and removes the pidfile.
func (p *PIDFile) Release() error {
	if p == nil || p.file == nil {
		return nil
	}
	os.Remove(p.path)
	_ = syscall.Flock(int(p.file.Fd()), syscall.LOCK_UN)
	err := p.file.Close()
	p.file = nil
	return err
}

// ReadPIDFile returns the pid recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pidfile content: %w", err)
	}
	return pid, nil
}
