//go:build !unix

package cli

import "os/exec"

func detachProcess(_ *exec.Cmd) {}
