package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethercore/kernel/pkg/types"
)

func TestNew_FallsBackWhenSocketMissing(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "no-such.sock"), "")
	defer m.Close()
	assert.False(t, m.Available())
}

func TestStart_DirectSpawnWritesLogFile(t *testing.T) {
	logsRoot := t.TempDir()
	m := New(filepath.Join(t.TempDir(), "no-such.sock"), logsRoot)
	defer m.Close()

	p := &types.Process{
		PID:     7,
		OwnerID: "agent_7",
		Command: []string{"/bin/sh", "-c", "echo hello"},
	}

	containerID, cancel, err := m.Start(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, containerID)
	require.NotNil(t, cancel)
	defer cancel()

	logPath := filepath.Join(logsRoot, "agent_7", "stdout.log")
	assert.Eventually(t, func() bool {
		content, err := os.ReadFile(logPath)
		return err == nil && len(content) > 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestStart_FallsBackWhenContainerRequestedButUnavailable(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "no-such.sock"), "")
	defer m.Close()

	p := &types.Process{
		PID:     9,
		OwnerID: "agent_9",
		Config:  types.AgentConfig{UseContainer: true, Image: "example/agent:latest"},
		Command: []string{"/bin/sh", "-c", "true"},
	}

	containerID, cancel, err := m.Start(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, containerID)
	defer cancel()
}
