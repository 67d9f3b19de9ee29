package daemon

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/pipelineerr"
)

// socketProbeTimeout bounds the connection attempt against a pre-existing
// socket during startup cleanup.
const socketProbeTimeout = time.Second

// CheckSocket applies the startup stale-socket rules: a socket nobody
// answers is deleted; a live pid file means another daemon runs and startup
// fails; a dead pid but a responding socket is the in-use error.
func CheckSocket(socketPath, pidFile string) error {
	if _, err := os.Stat(socketPath); err != nil {
		return nil // no socket, nothing to clean
	}

	responding := socketResponds(socketPath)
	alive := pidAlive(pidFile)

	switch {
	case alive:
		return pipelineerr.Resource(fmt.Sprintf("another daemon is already running (socket %s)", socketPath), nil)
	case responding:
		return pipelineerr.Resource(fmt.Sprintf("socket %s is in use", socketPath), nil)
	default:
		// Leftover from a crashed daemon; safe to remove.
		if err := os.Remove(socketPath); err != nil {
			return pipelineerr.Resource("removing stale socket "+socketPath, err)
		}
		return nil
	}
}

func socketResponds(path string) bool {
	conn, err := net.DialTimeout("unix", path, socketProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// pidAlive reports whether the pid file names a process that still exists.
func pidAlive(pidFile string) bool {
	if pidFile == "" {
		return false
	}
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without affecting the process.
	return proc.Signal(syscall.Signal(0)) == nil
}

func writePIDFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return pipelineerr.Resource("writing pid file "+pidFile, err)
	}
	return nil
}

func removePIDFile(pidFile string) {
	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
}
