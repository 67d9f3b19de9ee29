package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"

	"github.com/beastyrabbit/infinitune-sub001/internal/config"
	"github.com/beastyrabbit/infinitune-sub001/internal/daemon"
)

// connectAttempts bounds the play command's wait for the daemon to report
// the expected room connection.
const (
	connectAttempts = 20
	connectDelay    = 200 * time.Millisecond
)

// App is the CLI command tree. All commands resolve the daemon through the
// control socket; RunDaemonFunc is injected by main so `daemon run` can
// build the full daemon without this package importing the wiring.
type App struct {
	cfg        *config.Config
	configPath string
	client     *Client

	// RunDaemonFunc runs a daemon in the foreground until ctx ends.
	RunDaemonFunc func(ctx context.Context, cfg *config.Config) error

	stdout io.Writer
	stderr io.Writer
}

// NewApp builds the CLI against a loaded config.
func NewApp(cfg *config.Config, configPath string, runDaemon func(ctx context.Context, cfg *config.Config) error) *App {
	return &App{
		cfg:           cfg,
		configPath:    configPath,
		client:        &Client{SocketPath: cfg.CLI.SocketPath},
		RunDaemonFunc: runDaemon,
		stdout:        os.Stdout,
		stderr:        os.Stderr,
	}
}

// Run parses argv and executes one command. Returns the process exit code:
// 0 on success, 1 on any raised error.
func (a *App) Run(argv []string) int {
	app := kingpin.New("infinitune", "Generative music: playback control and daemon management.")
	app.Terminate(nil)
	app.UsageWriter(a.stderr)
	app.ErrorWriter(a.stderr)

	playCmd := app.Command("play", "Start or resume playback")
	playRoom := playCmd.Flag("room", "Room to join").String()
	playLocal := playCmd.Flag("playlist", "Play a playlist locally instead of joining a room").String()

	stopCmd := app.Command("stop", "Stop playback and leave the current session")
	skipCmd := app.Command("skip", "Skip to the next song")

	volumeCmd := app.Command("volume", "Adjust volume")
	volumeDir := volumeCmd.Arg("direction", "up or down").Required().Enum("up", "down")
	volumeStep := volumeCmd.Flag("step", "Step size (0-1)").Default("0").Float64()

	muteCmd := app.Command("mute", "Toggle mute")

	songCmd := app.Command("song", "Song operations")
	songPickCmd := songCmd.Command("pick", "Pick a song from the queue")

	statusCmd := app.Command("status", "Show daemon status")

	roomCmd := app.Command("room", "Room operations")
	roomJoinCmd := roomCmd.Command("join", "Join a room")
	roomJoinName := roomJoinCmd.Flag("room", "Room id").Required().String()
	roomPickCmd := roomCmd.Command("pick", "Pick a room interactively")

	configCmd := app.Command("config", "Configuration operations")
	configShowCmd := configCmd.Command("show", "Print the effective configuration")
	configPathCmd := configCmd.Command("path", "Print the configuration file path")

	setupCmd := app.Command("setup", "Write a starter configuration file")

	daemonCmd := app.Command("daemon", "Daemon lifecycle")
	daemonRunCmd := daemonCmd.Command("run", "Run the daemon in the foreground")
	daemonStartCmd := daemonCmd.Command("start", "Start a background daemon")
	daemonStopCmd := daemonCmd.Command("stop", "Stop the running daemon")
	daemonRestartCmd := daemonCmd.Command("restart", "Restart the daemon")
	daemonStatusCmd := daemonCmd.Command("status", "Show whether the daemon is running")

	serviceCmd := app.Command("service", "System service management")
	serviceInstallCmd := serviceCmd.Command("install", "Install the user service unit")
	serviceUninstallCmd := serviceCmd.Command("uninstall", "Remove the user service unit")
	serviceRestartCmd := serviceCmd.Command("restart", "Restart the user service")

	installCLICmd := app.Command("install-cli", "Symlink this binary into ~/.local/bin")
	installManCmd := app.Command("install-man", "Install the man page")
	manCmd := app.Command("man", "Print the man page")

	command, err := app.Parse(argv)
	if err != nil {
		fmt.Fprintf(a.stderr, "infinitune: %v\n", err)
		return 1
	}

	err = nil
	switch command {
	case playCmd.FullCommand():
		err = a.play(*playRoom, *playLocal)
	case stopCmd.FullCommand():
		err = a.stop()
	case skipCmd.FullCommand():
		err = a.daemonCall("skip", nil)
	case volumeCmd.FullCommand():
		err = a.volume(*volumeDir, *volumeStep)
	case muteCmd.FullCommand():
		err = a.daemonCall("toggleMute", nil)
	case songPickCmd.FullCommand():
		err = a.songPick()
	case statusCmd.FullCommand():
		err = a.status()
	case roomJoinCmd.FullCommand():
		err = a.roomJoin(*roomJoinName)
	case roomPickCmd.FullCommand():
		err = a.roomPick()
	case configShowCmd.FullCommand():
		err = a.configShow()
	case configPathCmd.FullCommand():
		fmt.Fprintln(a.stdout, a.configPath)
	case setupCmd.FullCommand():
		err = a.setup()
	case daemonRunCmd.FullCommand():
		err = a.daemonRun()
	case daemonStartCmd.FullCommand():
		err = EnsureDaemon(a.client, a.configPath)
	case daemonStopCmd.FullCommand():
		err = a.daemonStop()
	case daemonRestartCmd.FullCommand():
		err = a.daemonRestart()
	case daemonStatusCmd.FullCommand():
		err = a.daemonStatus()
	case serviceInstallCmd.FullCommand():
		err = a.serviceInstall()
	case serviceUninstallCmd.FullCommand():
		err = a.serviceUninstall()
	case serviceRestartCmd.FullCommand():
		err = a.serviceRestart()
	case installCLICmd.FullCommand():
		err = a.installCLI()
	case installManCmd.FullCommand():
		err = a.installMan()
	case manCmd.FullCommand():
		fmt.Fprint(a.stdout, manPage)
	case "":
		app.Usage(argv)
		return 1
	}

	if err != nil {
		fmt.Fprintf(a.stderr, "infinitune: %v\n", err)
		return 1
	}
	return 0
}

// daemonCall ensures the daemon is up, then issues one action.
func (a *App) daemonCall(action string, payload any) error {
	if err := EnsureDaemon(a.client, a.configPath); err != nil {
		return err
	}
	return a.client.Call(action, payload, nil)
}

// ─── play ────────────────────────────────────────────────────────────────────

// play resolves the target and applies the startup sequencing:
// skip the reconnect when the daemon already sits in the wanted session,
// otherwise join and poll until connected, then send play — retrying once
// through a reconnect on a transient not-connected failure.
func (a *App) play(roomFlag, playlistFlag string) error {
	if err := EnsureDaemon(a.client, a.configPath); err != nil {
		return err
	}

	if playlistFlag != "" {
		if err := a.client.Call("startLocal", map[string]string{"playlistId": playlistFlag}, nil); err != nil {
			return err
		}
		return a.client.Call("play", nil, nil)
	}

	roomID, err := a.resolveRoom(roomFlag)
	if err != nil {
		return err
	}

	st, err := a.client.Status()
	if err != nil {
		return err
	}

	if !(st.Mode == daemon.ModeRoom && st.Connected && (st.RoomID == roomID || (st.PlaylistKey != "" && st.PlaylistKey == roomID))) {
		if err := a.joinAndWait(roomID); err != nil {
			return err
		}
	}

	if err := a.client.Call("play", nil, nil); err != nil {
		// One reconnect attempt, only when the failure left the daemon
		// without a connected session; other failures are returned as is.
		if st, stErr := a.client.Status(); stErr != nil || st.Connected {
			return err
		}
		if reconnectErr := a.joinAndWait(roomID); reconnectErr != nil {
			return errors.CombineErrors(err, reconnectErr)
		}
		return a.client.Call("play", nil, nil)
	}

	rememberLastRoom(a.cfg.CLI.LastUsedFile, roomID)
	return nil
}

// joinAndWait sends joinRoom and polls status until the daemon reports the
// expected connected session.
func (a *App) joinAndWait(roomID string) error {
	payload := map[string]string{
		"serverUrl": a.cfg.Room.ServerURL,
		"roomId":    roomID,
	}
	if err := a.client.Call("joinRoom", payload, nil); err != nil {
		return err
	}

	for i := 0; i < connectAttempts; i++ {
		st, err := a.client.Status()
		if err == nil && st.Mode == daemon.ModeRoom && st.Connected && st.RoomID == roomID {
			return nil
		}
		time.Sleep(connectDelay)
	}
	return errors.Newf("daemon never reported a connected session for room %s", roomID)
}

// resolveRoom applies the resolution chain: explicit flag, configured
// default, last used, interactive picker.
func (a *App) resolveRoom(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.CLI.DefaultRoom != "" {
		return a.cfg.CLI.DefaultRoom, nil
	}
	if last := lastUsedRoom(a.cfg.CLI.LastUsedFile); last != "" {
		return last, nil
	}
	return a.pickRoom()
}

// ─── Remaining commands ──────────────────────────────────────────────────────

func (a *App) stop() error {
	if !a.client.Available() {
		return nil // nothing running, nothing to stop
	}
	// A daemon without a session has nothing to pause; clear regardless.
	_ = a.client.Call("pause", nil, nil)
	return a.client.Call("clearSession", nil, nil)
}

func (a *App) volume(direction string, step float64) error {
	payload := map[string]any{"direction": direction}
	if step > 0 {
		payload["step"] = step
	}
	return a.daemonCall("volumeDelta", payload)
}

func (a *App) songPick() error {
	if err := EnsureDaemon(a.client, a.configPath); err != nil {
		return err
	}
	queue, err := a.client.Queue()
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		return errors.New("queue is empty")
	}

	lines := make([]string, len(queue))
	for i, e := range queue {
		lines[i] = fmt.Sprintf("%s\t%s — %s", e.SongID, e.Title, e.Artist)
	}
	choice, err := a.pick(lines)
	if err != nil {
		return err
	}
	songID := firstField(choice)
	return a.client.Call("selectSong", map[string]string{"songId": songID}, nil)
}

func (a *App) status() error {
	if !a.client.Available() {
		fmt.Fprintln(a.stdout, "daemon: not running")
		return nil
	}
	st, err := a.client.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "mode:      %s\n", st.Mode)
	fmt.Fprintf(a.stdout, "connected: %v\n", st.Connected)
	if st.RoomID != "" {
		fmt.Fprintf(a.stdout, "room:      %s\n", st.RoomID)
	}
	if st.LocalPlaylistID != "" {
		fmt.Fprintf(a.stdout, "playlist:  %s\n", st.LocalPlaylistID)
	}
	fmt.Fprintf(a.stdout, "song:      %s\n", orDash(st.Engine.SongID))
	fmt.Fprintf(a.stdout, "playing:   %v\n", st.Engine.IsPlaying)
	fmt.Fprintf(a.stdout, "position:  %.1fs\n", st.Engine.CurrentTime)
	fmt.Fprintf(a.stdout, "volume:    %.0f%%\n", st.Engine.Volume*100)
	fmt.Fprintf(a.stdout, "queued:    %d\n", st.QueueLength)
	if st.LastError != "" {
		fmt.Fprintf(a.stdout, "last err:  %s\n", st.LastError)
	}
	return nil
}

func (a *App) roomJoin(roomID string) error {
	if err := EnsureDaemon(a.client, a.configPath); err != nil {
		return err
	}
	if err := a.joinAndWait(roomID); err != nil {
		return err
	}
	rememberLastRoom(a.cfg.CLI.LastUsedFile, roomID)
	fmt.Fprintf(a.stdout, "joined %s\n", roomID)
	return nil
}

func (a *App) roomPick() error {
	roomID, err := a.pickRoom()
	if err != nil {
		return err
	}
	return a.roomJoin(roomID)
}

// pickRoom offers the known candidates (configured default plus last used)
// through the external picker.
func (a *App) pickRoom() (string, error) {
	var candidates []string
	if a.cfg.CLI.DefaultRoom != "" {
		candidates = append(candidates, a.cfg.CLI.DefaultRoom)
	}
	if last := lastUsedRoom(a.cfg.CLI.LastUsedFile); last != "" && !contains(candidates, last) {
		candidates = append(candidates, last)
	}
	if len(candidates) == 0 {
		return "", errors.New("no room to play: pass --room, set cli.default_room, or join one first")
	}
	return a.pick(candidates)
}

func (a *App) configShow() error {
	fmt.Fprintf(a.stdout, "config:      %s\n", a.configPath)
	fmt.Fprintf(a.stdout, "socket:      %s\n", a.cfg.CLI.SocketPath)
	fmt.Fprintf(a.stdout, "server url:  %s\n", orDash(a.cfg.Room.ServerURL))
	fmt.Fprintf(a.stdout, "status addr: %s\n", orDash(a.cfg.Server.StatusAddr))
	fmt.Fprintf(a.stdout, "default room: %s\n", orDash(a.cfg.CLI.DefaultRoom))
	return nil
}

func (a *App) daemonRun() error {
	if a.RunDaemonFunc == nil {
		return errors.New("daemon run is not wired in this build")
	}
	ctx, stop := notifyContext()
	defer stop()
	return a.RunDaemonFunc(ctx, a.cfg)
}

func (a *App) daemonStop() error {
	if !a.client.Available() {
		fmt.Fprintln(a.stdout, "daemon: not running")
		return nil
	}
	return a.client.Call("shutdown", nil, nil)
}

func (a *App) daemonRestart() error {
	if err := a.daemonStop(); err != nil {
		return err
	}
	// Wait for the old socket to go away before respawning.
	for i := 0; i < spawnAttempts && a.client.Available(); i++ {
		time.Sleep(spawnDelay)
	}
	return EnsureDaemon(a.client, a.configPath)
}

func (a *App) daemonStatus() error {
	if !a.client.Available() {
		fmt.Fprintln(a.stdout, "daemon: not running")
		return nil
	}
	fmt.Fprintln(a.stdout, "daemon: running")
	return a.status()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstField(s string) string {
	for i, r := range s {
		if r == '\t' || r == ' ' {
			return s[:i]
		}
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
