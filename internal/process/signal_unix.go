//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

func terminateGroup(p *os.Process) error { return signalGroup(p.Pid, syscall.SIGTERM) }

func killGroup(p *os.Process) error { return signalGroup(p.Pid, syscall.SIGKILL) }

// signalGroup signals the process group led by pid, falling back to the single
// process when the group is gone. ESRCH means there is nothing left to signal.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.EINVAL
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// pidAlive returns true if a process with given pid exists (or EPERM).
// Linux zombies are treated as gone.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return runtime.GOOS != "linux" || !isZombieLinux(pid)
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

func signalStale(pid int, kill bool) error {
	if kill {
		return signalGroup(pid, syscall.SIGKILL)
	}
	return signalGroup(pid, syscall.SIGTERM)
}
