package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// stderrTailBytes bounds how much tool stderr is carried in errors.
const stderrTailBytes = 2048

// toolPipeGrace bounds the wait for the tool's output pipe to close after
// the tool itself has exited.
const toolPipeGrace = time.Second

// restorePidfile is the pidfile name the tool is asked to write under the
// images directory on restore.
const restorePidfile = "restore.pid"

// CheckpointError reports a non-zero exit of the external tool, carrying
// the tail of its stderr for diagnosis. Op is "dump" or "restore".
type CheckpointError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint tool %s failed: %v: %s", e.Op, e.Err, e.Stderr)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// DumpOptions controls a dump invocation.
type DumpOptions struct {
	// LeaveRunning keeps the process running after the dump. Shadow sync
	// uses this; the final migration dump does not, freezing the process
	// at its captured state.
	LeaveRunning bool

	// ShellJob marks the process as a shell job (no controlling terminal
	// of its own session to capture).
	ShellJob bool

	// ExternalTTY marks the process as attached to a terminal the tool
	// should treat as external.
	ExternalTTY bool
}

// RestoreOptions controls a restore invocation.
type RestoreOptions struct {
	// ShellJob mirrors DumpOptions.ShellJob.
	ShellJob bool

	// InheritFDMap maps restored fd numbers to local paths reopened for
	// them, e.g. 1 -> the instance output log.
	InheritFDMap map[int]string
}

// Driver is the narrow contract over the external checkpoint/restore
// tool. It consumes only the tool's exit code and the pidfile it writes;
// image contents are opaque.
//
// All paths passed to the tool are made absolute first: the tool runs
// with its own CWD and relative paths would silently land elsewhere.
type Driver struct {
	toolPath string
	log      logrus.FieldLogger
}

// NewDriver creates a driver invoking the tool at toolPath.
func NewDriver(toolPath string, log logrus.FieldLogger) *Driver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Driver{toolPath: toolPath, log: log}
}

// Dump checkpoints the process tree rooted at pid into imagesDir.
//
// Invocation:
//
//	<tool> dump --tree <pid> -D <dir> --leave-running|--stop [--shell-job] [--external-tty] -v4
//
// The tool's combined output is captured to dump.log inside imagesDir.
// On non-zero exit the returned error is a *CheckpointError carrying the
// stderr tail.
func (d *Driver) Dump(ctx context.Context, pid int, imagesDir string, opts DumpOptions) error {
	absDir, err := filepath.Abs(imagesDir)
	if err != nil {
		return fmt.Errorf("resolve images dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}

	args := []string{"dump", "--tree", strconv.Itoa(pid), "-D", absDir}
	if opts.LeaveRunning {
		args = append(args, "--leave-running")
	} else {
		args = append(args, "--stop")
	}
	if opts.ShellJob {
		args = append(args, "--shell-job")
	}
	if opts.ExternalTTY {
		args = append(args, "--external-tty")
	}
	args = append(args, "-v4")

	stderr, err := d.run(ctx, args, filepath.Join(absDir, "dump.log"))
	if err != nil {
		return &CheckpointError{Op: "dump", Stderr: stderr, Err: err}
	}
	return nil
}

// Restore resurrects a process from the image set in imagesDir and
// returns its new pid, read from the pidfile the tool writes under the
// images directory.
//
// Invocation:
//
//	<tool> restore -D <dir> --restore-detached [--shell-job] [--inherit-fd fd[N]:<path> ...] --pidfile restore.pid -v4
//
// After a successful restore SIGCONT is sent to the new pid: the tool may
// leave the task stopped, and forward progress must not depend on it.
func (d *Driver) Restore(ctx context.Context, imagesDir string, opts RestoreOptions) (int, error) {
	absDir, err := filepath.Abs(imagesDir)
	if err != nil {
		return 0, fmt.Errorf("resolve images dir: %w", err)
	}

	pidPath := filepath.Join(absDir, restorePidfile)
	_ = os.Remove(pidPath)

	args := []string{"restore", "-D", absDir, "--restore-detached"}
	if opts.ShellJob {
		args = append(args, "--shell-job")
	}
	for _, fd := range sortedFDs(opts.InheritFDMap) {
		args = append(args, "--inherit-fd", fmt.Sprintf("fd[%d]:%s", fd, opts.InheritFDMap[fd]))
	}
	args = append(args, "--pidfile", restorePidfile, "-v4")

	stderr, err := d.run(ctx, args, filepath.Join(absDir, "restore.log"))
	if err != nil {
		return 0, &CheckpointError{Op: "restore", Stderr: stderr, Err: err}
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, fmt.Errorf("read restore pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse restore pidfile: %w", err)
	}

	// The tool may leave the restored task in a stopped state.
	if err := syscall.Kill(pid, syscall.SIGCONT); err != nil {
		d.log.WithField("pid", pid).WithError(err).Warn("SIGCONT after restore failed")
	}
	return pid, nil
}

// run executes the tool, teeing combined output to logPath and returning
// the stderr tail for error reporting.
func (d *Driver) run(ctx context.Context, args []string, logPath string) (string, error) {
	cmd := exec.CommandContext(ctx, d.toolPath, args...)
	// A restored task can inherit the tool's stderr pipe; the outcome is
	// the tool's exit status, not the pipe closing.
	cmd.WaitDelay = toolPipeGrace

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("open tool log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stdout = logFile
	cmd.Stderr = newTeeWriter(logFile, tail)

	d.log.WithField("cmd", d.toolPath+" "+strings.Join(args, " ")).Debug("invoking checkpoint tool")
	if err := cmd.Run(); err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		return tail.String(), err
	}
	return "", nil
}

func sortedFDs(m map[int]string) []int {
	fds := make([]int, 0, len(m))
	for fd := range m {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}
