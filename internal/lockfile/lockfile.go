// Package lockfile is the single-instance guard for the edge daemon: an
// exclusive, non-blocking flock on a daemon.lock file carrying JSON
// metadata, with a daemon.pid sibling kept for platforms and tools that
// only understand plain PID files.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when the lock is already held by another process.
var ErrLocked = errors.New("daemon lock already held by another process")

// Info is the metadata written into daemon.lock.
type Info struct {
	PID       int       `json:"pid"`
	AgentID   string    `json:"agent_id"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Lock represents a held lock on daemon.lock.
type Lock struct {
	file *os.File
	path string
}

// Close releases the lock and closes the underlying file.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}
	_ = FlockUnlock(l.file)
	err := l.file.Close()
	l.file = nil
	return err
}

// Acquire attempts to take the exclusive, non-blocking lock on
// <dir>/daemon.lock, writing Info as JSON and a sibling daemon.pid. Returns
// ErrLocked if another process already holds it.
func Acquire(dir, agentID, version string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lockPath := filepath.Join(dir, "daemon.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := FlockExclusiveNonBlocking(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock file: %w", err)
	}

	info := Info{PID: os.Getpid(), AgentID: agentID, Version: version, StartedAt: time.Now().UTC()}
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	_ = enc.Encode(info)
	_ = f.Sync()

	pidPath := filepath.Join(dir, "daemon.pid")
	_ = os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)

	return &Lock{file: f, path: lockPath}, nil
}

// ReadInfo reads and parses <dir>/daemon.lock, accepting both the current
// JSON format and a legacy bare-PID format.
func ReadInfo(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, "daemon.lock"))
	if err != nil {
		return Info{}, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err == nil {
		return info, nil
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err == nil {
		return Info{PID: pid}, nil
	}
	return Info{}, fmt.Errorf("unrecognised lock file format")
}

// checkPIDFile reports whether daemon.pid names a currently-running process.
func checkPIDFile(dir string) (running bool, pid int) {
	data, err := os.ReadFile(filepath.Join(dir, "daemon.pid"))
	if err != nil {
		return false, 0
	}
	var filePID int
	if _, err := fmt.Sscanf(string(data), "%d", &filePID); err != nil {
		return false, 0
	}
	if !isProcessRunning(filePID) {
		return false, 0
	}
	return true, filePID
}

// IsHeld reports whether another process currently holds the lock in dir,
// first by attempting to take it non-blocking, falling back to the PID file
// if the lock file's own metadata can't be trusted.
func IsHeld(dir string) (running bool, pid int) {
	lockPath := filepath.Join(dir, "daemon.lock")
	f, err := os.OpenFile(lockPath, os.O_RDWR, 0o600)
	if err != nil {
		return checkPIDFile(dir)
	}
	defer f.Close()

	if err := FlockExclusiveNonBlocking(f); err != nil {
		if errors.Is(err, ErrLocked) {
			if info, rerr := ReadInfo(dir); rerr == nil && info.PID != 0 {
				return true, info.PID
			}
			return checkPIDFile(dir)
		}
		return checkPIDFile(dir)
	}
	_ = FlockUnlock(f)
	return false, 0
}

var _ io.Closer = (*Lock)(nil)
