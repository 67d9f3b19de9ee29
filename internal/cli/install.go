package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// starterConfig is written by the setup command when no config file exists.
const starterConfig = `# Infinitune configuration.
server:
  listen_addr: ":8080"
  status_addr: "127.0.0.1:8181"
  log_level: "info"

providers:
  llm:
    name: "http"
    base_url: "http://localhost:11434"
    model: "default"
  image:
    name: "http"
    base_url: "http://localhost:7860"
  audio:
    name: "http"
    base_url: "http://localhost:8001"

data_service:
  backend: "memory"

room:
  server_url: "http://localhost:8080"

queues:
  llm_concurrency: 1
  image_concurrency: 2
  audio_poll_interval: 2s
  audio_not_found_grace: 120s

playlist:
  buffer_target: 5
  heartbeat_timeout: 90s
  dedup_window: 20

cli:
  socket_path: "/tmp/infinitune.sock"
  pid_file: "/tmp/infinitune.pid"
`

// serviceUnit is the systemd user unit installed by service install.
const serviceUnit = `[Unit]
Description=Infinitune playback daemon
After=network.target

[Service]
ExecStart=%s daemon run --config %s
Restart=on-failure

[Install]
WantedBy=default.target
`

const serviceUnitName = "infinitune.service"

// setup writes the starter config file, refusing to clobber an existing one.
func (a *App) setup() error {
	path := a.configPath
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return errors.Wrap(err, "writing config")
	}
	fmt.Fprintf(a.stdout, "wrote %s\n", path)
	return nil
}

func userUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".config", "systemd", "user", serviceUnitName), nil
}

func (a *App) serviceInstall() error {
	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving own executable")
	}
	path, err := userUnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating unit directory")
	}
	unit := fmt.Sprintf(serviceUnit, self, a.configPath)
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return errors.Wrap(err, "writing unit file")
	}
	fmt.Fprintf(a.stdout, "installed %s\n", path)
	return nil
}

func (a *App) serviceUninstall() error {
	path, err := userUnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing unit file")
	}
	fmt.Fprintf(a.stdout, "removed %s\n", path)
	return nil
}

func (a *App) serviceRestart() error {
	cmd := exec.Command("systemctl", "--user", "restart", serviceUnitName)
	cmd.Stdout = a.stdout
	cmd.Stderr = a.stderr
	return errors.Wrap(cmd.Run(), "systemctl restart")
}

// installCLI symlinks this binary into ~/.local/bin.
func (a *App) installCLI() error {
	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving own executable")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return errors.Wrap(err, "resolving home directory")
	}
	dir := filepath.Join(home, ".local", "bin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating "+dir)
	}
	target := filepath.Join(dir, "infinitune")
	_ = os.Remove(target)
	if err := os.Symlink(self, target); err != nil {
		return errors.Wrap(err, "creating symlink")
	}
	fmt.Fprintf(a.stdout, "linked %s -> %s\n", target, self)
	return nil
}

// installMan writes the man page under ~/.local/share/man.
func (a *App) installMan() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return errors.Wrap(err, "resolving home directory")
	}
	dir := filepath.Join(home, ".local", "share", "man", "man1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating "+dir)
	}
	path := filepath.Join(dir, "infinitune.1")
	if err := os.WriteFile(path, []byte(manPage), 0o644); err != nil {
		return errors.Wrap(err, "writing man page")
	}
	fmt.Fprintf(a.stdout, "installed %s\n", path)
	return nil
}
