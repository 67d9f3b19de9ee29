package cli

// manPage is the embedded troff source served by `man` and `install-man`.
const manPage = `.TH INFINITUNE 1 "" "infinitune" "User Commands"
.SH NAME
infinitune \- generative music playback control
.SH SYNOPSIS
.B infinitune
.I command
.RI [ options ]
.SH DESCRIPTION
Controls the Infinitune playback daemon: join synchronized rooms, play
playlists locally, and steer playback. Commands talk to the daemon over its
local control socket; the daemon is spawned automatically when absent.
.SH COMMANDS
.TP
.B play
Start or resume playback. Resolves the target room from \-\-room, the
configured default, or the last used room.
.TP
.B stop
Stop playback and leave the current session.
.TP
.B skip
Skip to the next song.
.TP
.B volume up|down
Nudge the volume by the configured step.
.TP
.B mute
Toggle mute.
.TP
.B song pick
Choose a queued song interactively.
.TP
.B status
Print the daemon's status.
.TP
.B room join \-\-room ID
Join a specific room.
.TP
.B daemon run|start|stop|restart|status
Manage the daemon process.
.TP
.B service install|uninstall|restart
Manage the systemd user service.
.SH FILES
.TP
.I config.yaml
Daemon and CLI configuration; see \fBinfinitune setup\fR.
.SH EXIT STATUS
0 on success, 1 on any error.
`
