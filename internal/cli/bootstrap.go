package cli

import (
	"os"
	"os/exec"
	"time"

	"github.com/cockroachdb/errors"
)

// spawnAttempts bounds how long the bootstrap waits for a freshly spawned
// daemon to start answering its socket.
const (
	spawnAttempts = 40
	spawnDelay    = 100 * time.Millisecond
)

// EnsureDaemon makes sure a daemon is answering on the client's socket,
// forking a detached `daemon run` process if needed and waiting until it
// comes up.
func EnsureDaemon(c *Client, configPath string) error {
	if c.Available() {
		return nil
	}
	if err := spawnDaemon(configPath); err != nil {
		return err
	}
	for i := 0; i < spawnAttempts; i++ {
		if c.Available() {
			return nil
		}
		time.Sleep(spawnDelay)
	}
	return errors.New("daemon did not come up after spawn")
}

// spawnDaemon re-executes this binary as a detached `daemon run`.
func spawnDaemon(configPath string) error {
	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving own executable")
	}

	args := []string{"daemon", "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	cmd := exec.Command(self, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "spawning daemon")
	}
	// Release so the daemon outlives this CLI invocation.
	return errors.Wrap(cmd.Process.Release(), "releasing daemon process")
}
