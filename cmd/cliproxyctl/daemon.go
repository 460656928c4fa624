package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/cliproxyctl/internal/pidfile"
)

// daemonChildEnv marks the re-executed background process.
const daemonChildEnv = "CLIPROXYCTL_DAEMON_CHILD"

func isDaemonChild() bool { return os.Getenv(daemonChildEnv) == "1" }

// daemonArgs drops the flags that only make sense to the launching process.
func daemonArgs(args []string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch arg {
		case "--daemonize", "--daemonize=true":
			continue
		case "--logfile":
			skipNext = true
			continue
		}
		if strings.HasPrefix(arg, "--logfile=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// daemonize re-executes the current binary in a new session with its output
// sent to logFile (or discarded) and records the child's pid.
func daemonize(pids *pidfile.Store, logFile string) error {
	if isDaemonChild() {
		return fmt.Errorf("already running as daemon")
	}
	if h, ok, _ := pids.Read(); ok && pidfile.Alive(h.PID) {
		return fmt.Errorf("daemon already running with PID %d (%s)", h.PID, pids.Path())
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if err := pids.Write(cmd.Process.Pid); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	_ = cmd.Process.Release()

	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	return nil
}

// releasePidFile removes the daemon pid file if it still names pid.
func releasePidFile(pids *pidfile.Store, pid int) {
	h, ok, err := pids.Read()
	if err != nil || !ok || h.PID != pid {
		return
	}
	_ = pids.Clear()
}
