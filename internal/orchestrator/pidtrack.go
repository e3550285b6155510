package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// pidStartTimeFunc is overridden in tests. This package's tests must NOT
// use t.Parallel() because they mutate this package-level variable without
// synchronization.
var pidStartTimeFunc = processStartTime

// pidTracker records spawned checker PIDs on disk so a crashed
// orchestrator's orphaned checkers can be reaped at the next startup.
// Best-effort: the primary kill mechanism is the per-check watchdog, which
// doesn't depend on these files.
type pidTracker struct {
	dir string
	log zerolog.Logger
}

func newPIDTracker(dir string, log zerolog.Logger) *pidTracker {
	return &pidTracker{dir: dir, log: log.With().Str("component", "pidtrack").Logger()}
}

// pidFile returns the tracking file for one checker, named by hostname.
func (t *pidTracker) pidFile(host string) string {
	safe := strings.ReplaceAll(host, string(os.PathSeparator), "_")
	return filepath.Join(t.dir, safe+".pid")
}

// Track writes a checker's PID, with its process start time when
// available so a reused PID is never mistaken for a live checker.
func (t *pidTracker) Track(host string, pid int) error {
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return fmt.Errorf("creating pids directory: %w", err)
	}

	record := strconv.Itoa(pid)
	if start, err := pidStartTimeFunc(pid); err == nil && start != "" {
		record = fmt.Sprintf("%d|%s", pid, start)
	}
	return os.WriteFile(t.pidFile(host), []byte(record+"\n"), 0644)
}

// Untrack removes the tracking file after the checker has been reaped.
func (t *pidTracker) Untrack(host string) {
	_ = os.Remove(t.pidFile(host))
}

// KillOrphans reads every tracking file and terminates checkers that
// survived a previous orchestrator. Returns the number killed.
func (t *pidTracker) KillOrphans() int {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warn().Err(err).Msg("cannot read pids directory")
		}
		return 0
	}

	killed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		path := filepath.Join(t.dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pid, start, err := parsePIDRecord(strings.TrimSpace(string(data)))
		if err != nil {
			_ = os.Remove(path)
			continue
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			_ = os.Remove(path)
			continue
		}
		// Signal 0 checks existence without killing.
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			_ = os.Remove(path)
			continue
		}

		// If the record carries a start time, verify the PID wasn't reused
		// by an unrelated process since the crash.
		if start != "" {
			current, err := pidStartTimeFunc(pid)
			if err != nil || current != start {
				_ = os.Remove(path)
				continue
			}
		}

		if err := proc.Signal(syscall.SIGTERM); err == nil {
			killed++
			t.log.Info().Int("pid", pid).Str("file", entry.Name()).Msg("terminated orphaned checker")
		}
		_ = os.Remove(path)
	}
	return killed
}

func parsePIDRecord(value string) (int, string, error) {
	if value == "" {
		return 0, "", fmt.Errorf("empty pid record")
	}
	parts := strings.SplitN(value, "|", 2)
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", err
	}
	start := ""
	if len(parts) == 2 {
		start = parts[1]
	}
	return pid, start, nil
}

// processStartTime returns the start time of a process via ps(1). On
// minimal containers without ps the call fails and tracking degrades
// gracefully to PID-only records.
func processStartTime(pid int) (string, error) {
	cmd := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid))
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
