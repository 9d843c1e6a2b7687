package infra

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

func TestEnsureKey_ConcurrentCallersShareOneKey(t *testing.T) {
	dataDir := t.TempDir()

	const callers = 8
	keys := make([][]byte, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// Separate KeyFile values, like two processes opening the same dir
			keys[i], errs[i] = EnsureKey(NewKeyFile(dataDir))
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i], "caller %d got a different key", i)
	}

	// Only the key file is left; temp files are cleaned up
	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, reportKeyFileName, entries[0].Name())

	info, err := os.Stat(filepath.Join(dataDir, reportKeyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEnsureKey_StoreReopensWithSameKey(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	first, err := EnsureKey(NewKeyFile(dataDir))
	require.NoError(t, err)
	store, err := NewReportStore(dataDir, first)
	require.NoError(t, err)
	ids := enqueueN(t, store, domain.StatePending, 1)
	require.NoError(t, store.Close())

	second, err := EnsureKey(NewKeyFile(dataDir))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	reopened, err := NewReportStore(dataDir, second)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
}

func TestKeyFile_CreateKeepsExistingKey(t *testing.T) {
	kf := NewKeyFile(filepath.Join(t.TempDir(), "nested", "data"))
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	got, err := kf.Create(a)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = kf.Create(b)
	require.NoError(t, err)
	assert.Equal(t, a, got, "a second Create must not replace the key")

	_, err = kf.Create([]byte("short"))
	assert.Error(t, err)
}

func TestEnsureKey_BadKeyFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not base64", "not base64!"},
		{"wrong length", "c2hvcnQ="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataDir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dataDir, reportKeyFileName), []byte(tt.content), 0600))

			_, err := EnsureKey(NewKeyFile(dataDir))
			assert.Error(t, err)

			// The broken file is left in place
			raw, err := os.ReadFile(filepath.Join(dataDir, reportKeyFileName))
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(raw))
		})
	}
}
