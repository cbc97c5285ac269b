package infra

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateFile_WriteAndRead(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), StateFileName))
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, sf.Write(RuntimeState{
		Version:       "1.2.0",
		PID:           4321,
		StartedAt:     started,
		LastHeartbeat: started,
		Platform:      "linux-x11",
		ConfigPath:    "/etc/focustrack.yaml",
	}))

	state, err := sf.Read()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 4321, state.PID)
	assert.Equal(t, "linux-x11", state.Platform)
	assert.True(t, started.Equal(state.StartedAt))

	info, err := os.Stat(sf.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStateFile_ReadMissing(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "absent.json"))

	state, err := sf.Read()
	assert.NoError(t, err)
	assert.Nil(t, state)
}

func TestStateFile_ReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewStateFile(path).Read()
	assert.Error(t, err)
}

func TestStateFile_Heartbeat(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), StateFileName))
	start := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, sf.Write(RuntimeState{PID: 1, StartedAt: start, LastHeartbeat: start}))

	beat := time.Now().UTC()
	require.NoError(t, sf.Heartbeat("session_abc", beat))

	state, err := sf.Read()
	require.NoError(t, err)
	assert.Equal(t, "session_abc", state.SessionID)
	assert.True(t, beat.Equal(state.LastHeartbeat))
	assert.True(t, start.Equal(state.StartedAt))
}

func TestStateFile_HeartbeatWithoutState(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), StateFileName))
	assert.Error(t, sf.Heartbeat("session_abc", time.Now()))
}

func TestStateFile_Clear(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "nested", StateFileName))
	require.NoError(t, sf.Write(RuntimeState{PID: 7}))

	require.NoError(t, sf.Clear())
	state, err := sf.Read()
	require.NoError(t, err)
	assert.Nil(t, state)

	assert.NoError(t, sf.Clear(), "clearing twice is fine")
}

func TestStateFile_ConcurrentWriters(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), StateFileName))
	require.NoError(t, sf.Write(RuntimeState{PID: 1}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, sf.Heartbeat("session_concurrent", time.Unix(int64(i), 0)))
		}(i)
	}
	wg.Wait()

	state, err := sf.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, state.PID)
	assert.Equal(t, "session_concurrent", state.SessionID)
}

func TestDefaultStatePath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, filepath.Join("/run/user/1000", StateFileName), DefaultStatePath())

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, filepath.Join(os.TempDir(), StateFileName), DefaultStatePath())
}
