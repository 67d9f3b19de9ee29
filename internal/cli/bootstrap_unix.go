//go:build unix

package cli

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the spawned daemon in its own session so terminal
// signals aimed at the CLI never reach it.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
