package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectPaths(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	paths := DetectPaths("demo")

	if os.Geteuid() == 0 {
		assert.Equal(t, ExecModeSystem, paths.Mode)
		assert.Equal(t, "/var/lib/demo/crashmon", paths.DataDir)
	} else {
		home, _ := os.UserHomeDir()
		assert.Equal(t, ExecModeUser, paths.Mode)
		assert.Equal(t, filepath.Join(home, ".demo", "crashmon"), paths.DataDir)
	}
	assert.Equal(t, paths.DataDir, filepath.Dir(paths.LogFile))
}

func TestExecMode_String(t *testing.T) {
	tests := []struct {
		mode     ExecMode
		expected string
	}{
		{ExecModeUser, "user"},
		{ExecModeSystem, "system (root)"},
		{ExecMode("invalid"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.mode.String())
		})
	}
}

func TestSenderPIDPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "sender.pid"), SenderPIDPath("/data"))
}
