//go:build unix

package cargo

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

// configureProcess runs cargo in its own process group so cancellation
// kills rustc and build scripts along with it.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// maxRSSKB returns the peak resident set of the process tree in KiB
func maxRSSKB(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	if runtime.GOOS == "darwin" {
		return int64(ru.Maxrss) / 1024 // bytes on darwin
	}
	return int64(ru.Maxrss)
}
