//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so that
// signals reach the whole tree (node workers, cargo's rustc children) and a
// terminal Ctrl-C is delivered only to the supervisor, which relays it.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
