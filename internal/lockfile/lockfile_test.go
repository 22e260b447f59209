package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireThenSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "edge_1", "1.0.0")
	require.NoError(t, err)
	defer lock.Close()

	_, err = Acquire(dir, "edge_1", "1.0.0")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestAcquireAfterCloseSucceeds(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "edge_1", "1.0.0")
	require.NoError(t, err)
	require.NoError(t, lock.Close())

	lock2, err := Acquire(dir, "edge_1", "1.0.0")
	require.NoError(t, err)
	defer lock2.Close()
}

func TestReadInfoJSONFormat(t *testing.T) {
	dir := t.TempDir()
	info := Info{PID: 12345, AgentID: "edge_1", Version: "1.0.0", StartedAt: time.Now()}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daemon.lock"), data, 0o600))

	got, err := ReadInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, 12345, got.PID)
	assert.Equal(t, "edge_1", got.AgentID)
}

func TestReadInfoLegacyPlainPID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daemon.lock"), []byte("98765"), 0o600))

	got, err := ReadInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, 98765, got.PID)
}

func TestReadInfoMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadInfo(filepath.Join(dir, "nonexistent"))
	assert.Error(t, err)
}

func TestIsHeldFalseWhenNoLockFile(t *testing.T) {
	dir := t.TempDir()
	running, pid := IsHeld(dir)
	assert.False(t, running)
	assert.Equal(t, 0, pid)
}

func TestIsHeldTrueWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "edge_1", "1.0.0")
	require.NoError(t, err)
	defer lock.Close()

	running, pid := IsHeld(dir)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestIsHeldFalseWhenLockFileNotActuallyLocked(t *testing.T) {
	dir := t.TempDir()
	info := Info{PID: 12345, AgentID: "edge_1", Version: "1.0.0", StartedAt: time.Now()}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daemon.lock"), data, 0o600))

	running, _ := IsHeld(dir)
	assert.False(t, running)
}

func TestCheckPIDFileCurrentProcess(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daemon.pid"), []byte(fmt.Sprintf("%d", os.Getpid())), 0o600))

	running, pid := checkPIDFile(dir)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCheckPIDFileStalePID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daemon.pid"), []byte("999999"), 0o600))

	running, pid := checkPIDFile(dir)
	assert.False(t, running)
	assert.Equal(t, 0, pid)
}
