package infra

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	identities  map[int]string
	runningPIDs map[int]bool
	identityErr error
	currentPID  int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		identities:  make(map[int]string),
		runningPIDs: make(map[int]bool),
		currentPID:  os.Getpid(),
	}
}

func (m *mockProcessManager) Identity(pid int) (string, error) {
	if m.identityErr != nil {
		return "", m.identityErr
	}
	name, ok := m.identities[pid]
	if !ok {
		return "", fmt.Errorf("process %d not found", pid)
	}
	return name, nil
}

func (m *mockProcessManager) FindBySuffix(suffix string) ([]int, error) {
	var pids []int
	for pid, name := range m.identities {
		if len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) GetCurrentPID() int {
	return m.currentPID
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.runningPIDs[pid] = running
}

// newTestReportStore creates an encrypted report store in a temp directory.
func newTestReportStore(t *testing.T) (*SQLCipherReportStore, string) {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	store, err := NewReportStore(dataDir, key)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })
	return store, dataDir
}

// enqueueN adds n reports in state and returns their ids in order.
func enqueueN(t *testing.T, store domain.ReportStore, state domain.ApprovalState, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		r := &domain.Report{
			AppVersion: "1.0.0",
			State:      state,
			Payload:    []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}
		require.NoError(t, store.Enqueue(context.Background(), r))
		ids = append(ids, r.ID)
	}
	return ids
}

// Ensure mockProcessManager implements domain.ProcessManager
var _ domain.ProcessManager = (*mockProcessManager)(nil)
