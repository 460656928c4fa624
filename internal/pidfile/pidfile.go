// Package pidfile persists the identifier of the supervised server process.
//
// The PID file holds a single decimal integer so that shell scripts and other
// tools can read it. An optional sidecar (<pidfile>.meta) records a start
// token for the process, which lets Owned detect a pid that was recycled by
// an unrelated process after the server exited.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Handle is a persisted reference to a spawned process.
type Handle struct {
	PID       int
	StartedAt time.Time
}

// StartedAtMillis returns the start timestamp in Unix milliseconds.
func (h Handle) StartedAtMillis() int64 { return h.StartedAt.UnixMilli() }

type identity struct {
	PID   int   `json:"pid"`
	Start int64 `json:"start"`
}

// Store reads and writes a single PID file. It does no locking of its own;
// callers that mutate it concurrently must serialize access.
type Store struct {
	path string
}

// New returns a Store for the given PID file path.
func New(path string) *Store { return &Store{path: filepath.Clean(path)} }

// Path returns the PID file location.
func (s *Store) Path() string { return s.path }

func (s *Store) metaPath() string { return s.path + ".meta" }

// Write persists pid, replacing any prior content. The value is written to a
// temporary file in the same directory and renamed into place, so readers see
// either the old or the new pid, never a partial write.
func (s *Store) Write(pid int) error {
	if pid <= 1 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return writeAtomic(s.path, []byte(strconv.Itoa(pid)))
}

// WriteIdentity records the start token of pid next to the PID file.
// It is best effort: when the platform cannot report one nothing is written
// and Owned falls back to trusting the pid alone.
func (s *Store) WriteIdentity(pid int) error {
	start := startToken(pid)
	if start <= 0 {
		_ = os.Remove(s.metaPath())
		return nil
	}
	b, err := json.Marshal(identity{PID: pid, Start: start})
	if err != nil {
		return err
	}
	return writeAtomic(s.metaPath(), b)
}

// Read returns the stored handle. ok is false when no PID file exists or its
// content is not an integer above 1; in the latter case the file is removed.
// Pid 1 is init and never a process this package hands out.
func (s *Store) Read() (h Handle, ok bool, err error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Handle{}, false, nil
		}
		return Handle{}, false, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Handle{}, false, nil
		}
		return Handle{}, false, err
	}
	pid, perr := strconv.Atoi(strings.TrimSpace(string(b)))
	if perr != nil || pid <= 1 {
		// garbage in the pid file; reclaim it
		_ = s.Clear()
		return Handle{}, false, nil
	}
	return Handle{PID: pid, StartedAt: fi.ModTime()}, true, nil
}

// Clear removes the PID file and its identity sidecar. Missing files are not
// an error.
func (s *Store) Clear() error {
	var errs []error
	for _, p := range []string{s.path, s.metaPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Owned reports whether the live process behind h is still the one that was
// spawned. It returns false only when a recorded start token for the same pid
// disagrees with what the OS reports now.
func (s *Store) Owned(h Handle) bool {
	b, err := os.ReadFile(s.metaPath())
	if err != nil {
		return true
	}
	var id identity
	if err := json.Unmarshal(b, &id); err != nil || id.PID != h.PID || id.Start <= 0 {
		return true
	}
	cur := startToken(h.PID)
	if cur <= 0 {
		return true
	}
	return cur == id.Start
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
