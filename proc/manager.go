// Package proc manages the OS processes backing instances: spawning via
// the daemonizer helper, signal-based pause/resume/stop, and liveness
// observation.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSpawnTimeout is returned when the daemonized workload does not show
// up alive in the pidfile within the spawn deadline.
var ErrSpawnTimeout = errors.New("spawn timed out waiting for pidfile")

const (
	// DefaultSpawnTimeout bounds how long a spawn stays in flight before
	// it is considered failed.
	DefaultSpawnTimeout = 2 * time.Second

	// DefaultStopGrace is the SIGTERM-to-SIGKILL grace period.
	DefaultStopGrace = 5 * time.Second

	// observeInterval is the liveness poll period.
	observeInterval = 500 * time.Millisecond

	// pidfilePollInterval is the spawn pidfile poll period.
	pidfilePollInterval = 20 * time.Millisecond
)

// Manager launches and controls instance processes.
//
// Spawned workloads are fully detached: the daemonizer helper gives them
// a new session, reopens fds 0/1/2 onto /dev/null and the instance output
// log, zeroes the umask and preserves the CWD (restore requires the
// pre-dump CWD). The manager therefore never holds child handles; all
// control is signal-based against the pid recorded in the pidfile.
type Manager struct {
	daemonizerPath string
	spawnTimeout   time.Duration
	log            logrus.FieldLogger
}

// NewManager creates a process manager invoking the daemonizer helper at
// daemonizerPath.
func NewManager(daemonizerPath string, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		daemonizerPath: daemonizerPath,
		spawnTimeout:   DefaultSpawnTimeout,
		log:            log,
	}
}

// SetSpawnTimeout overrides the spawn deadline. Zero restores the default.
func (m *Manager) SetSpawnTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSpawnTimeout
	}
	m.spawnTimeout = d
}

// Spawn launches a workload detached via the daemonizer:
//
//	daemonizer -p <pidfile> <output_log> <program> [args...]
//
// The helper execs the workload and reports its pid through the pidfile.
// Spawn blocks until the pidfile names a live process, failing with
// ErrSpawnTimeout after the spawn deadline.
func (m *Manager) Spawn(ctx context.Context, program string, argv []string, outputLog, pidfile string) (int, error) {
	_ = os.Remove(pidfile)

	args := append([]string{"-p", pidfile, outputLog, program}, argv...)
	cmd := exec.CommandContext(ctx, m.daemonizerPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("daemonizer failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	deadline := time.Now().Add(m.spawnTimeout)
	for {
		if pid, err := ReadPidfile(pidfile); err == nil && Alive(pid) {
			m.log.WithFields(logrus.Fields{"pid": pid, "program": program}).Debug("workload spawned")
			return pid, nil
		}
		if time.Now().After(deadline) {
			return 0, ErrSpawnTimeout
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pidfilePollInterval):
		}
	}
}

// Pause stops the process with SIGSTOP.
func (m *Manager) Pause(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGSTOP); err != nil {
		return fmt.Errorf("pause pid %d: %w", pid, err)
	}
	return nil
}

// Resume continues the process with SIGCONT.
func (m *Manager) Resume(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGCONT); err != nil {
		return fmt.Errorf("resume pid %d: %w", pid, err)
	}
	return nil
}

// Stop terminates the process: SIGTERM, wait up to grace, then SIGKILL.
// A zero grace uses the default. Stopping an already-dead pid is not an
// error.
func (m *Manager) Stop(ctx context.Context, pid int, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if !Alive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	m.log.WithField("pid", pid).Warn("grace expired, killing")
	return m.Kill(pid)
}

// Kill sends SIGKILL. Killing an already-dead pid is not an error.
func (m *Manager) Kill(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// Watch returns a channel that is closed once the process is observed
// dead. Observation polls kill(pid, 0); detached processes are not our
// children, so no exit status is available.
func (m *Manager) Watch(ctx context.Context, pid int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(observeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !Alive(pid) {
					return
				}
			}
		}
	}()
	return done
}

// Alive reports whether a process with the given pid exists. EPERM counts
// as alive: the process exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// ReadPidfile parses a decimal pid from the file. No trailing newline is
// required.
func ReadPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile %q: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pidfile %q holds invalid pid %d", path, pid)
	}
	return pid, nil
}

// WritePidfile records a pid, via write-to-temp + atomic rename so a
// concurrent reader never sees a torn file.
func WritePidfile(path string, pid int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit pidfile: %w", err)
	}
	return nil
}
