package daemon

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// StartDetached spawns this binary with args as a background process that
// outlives the caller. Output goes to logPath when set, otherwise nowhere.
// It returns the child PID.
func StartDetached(logPath string, args ...string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, errors.Wrap(err, "resolve executable")
	}
	return StartDetachedWithPath(executable, logPath, args...)
}

// StartDetachedWithPath is StartDetached for an explicit binary path.
func StartDetachedWithPath(executable, logPath string, args ...string) (int, error) {
	cmd := detachedCommand(executable, args...)

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 0, errors.Wrapf(err, "open log %s", logPath)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrapf(err, "start %s", executable)
	}
	pid := cmd.Process.Pid
	// The child is not waited on; release its handle so it is reparented cleanly.
	_ = cmd.Process.Release()
	return pid, nil
}

func detachedCommand(executable string, args ...string) *exec.Cmd {
	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachAttr()
	return cmd
}
