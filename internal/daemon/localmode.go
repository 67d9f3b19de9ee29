package daemon

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/pipelineerr"
	"github.com/beastyrabbit/infinitune-sub001/internal/room/wire"
	"github.com/beastyrabbit/infinitune-sub001/pkg/audio"
)

type localConfig struct {
	store           data.Store
	engine          audio.Engine
	playlistID      string
	pollInterval    time.Duration
	heartbeatPeriod time.Duration
	onError         func(msg string)
}

// localSession plays a playlist without a room: poll the data service for
// the song list, play ready songs in orderIndex order, report consumption
// back, and heartbeat the playlist. The refresh loop is
// a plain ticker; audio timing is local, not synchronized.
type localSession struct {
	cfg localConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cursor   int // orderIndex of the last consumed song
	upcoming []data.Song

	stopOnce sync.Once
}

func newLocalSession(cfg localConfig) *localSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &localSession{cfg: cfg, ctx: ctx, cancel: cancel, cursor: -1}
}

func (l *localSession) start() {
	l.cfg.engine.OnSongEnded(l.songEnded)
	go l.pollLoop()
	go l.heartbeatLoop()
}

func (l *localSession) stop() {
	l.stopOnce.Do(l.cancel)
}

func (l *localSession) pollLoop() {
	// First refresh runs immediately so playback starts within one tick
	// of startLocal rather than one interval later.
	l.refresh()
	ticker := time.NewTicker(l.cfg.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.refresh()
		}
	}
}

func (l *localSession) heartbeatLoop() {
	ticker := time.NewTicker(l.cfg.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.cfg.store.Playlists().Heartbeat(l.ctx, l.cfg.playlistID); err != nil {
				slog.Warn("daemon: playlist heartbeat failed", "playlist_id", l.cfg.playlistID, "err", err)
			}
		}
	}
}

// refresh reloads the upcoming ready songs and, when the engine is idle,
// loads the next one.
func (l *localSession) refresh() {
	songs, err := l.cfg.store.Songs().ListByPlaylist(l.ctx, l.cfg.playlistID)
	if err != nil {
		if l.cfg.onError != nil {
			l.cfg.onError("playlist refresh failed: " + err.Error())
		}
		return
	}

	l.mu.Lock()
	cursor := l.cursor
	ready := make([]data.Song, 0, len(songs))
	for _, sg := range songs {
		if sg.Status == data.StatusReady && sg.OrderIndex > cursor {
			ready = append(ready, sg)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].OrderIndex < ready[j].OrderIndex })
	l.upcoming = ready
	l.mu.Unlock()

	if l.cfg.engine.Snapshot().SongID == "" && len(ready) > 0 {
		l.loadSong(ready[0])
	}
}

func (l *localSession) loadSong(sg data.Song) {
	if err := l.cfg.engine.LoadSong(sg.SongID, sg.AudioURL, time.Time{}, 0); err != nil {
		slog.Warn("daemon: local load failed", "song_id", sg.SongID, "err", err)
		return
	}
	if ds, ok := l.cfg.engine.(durationSetter); ok && sg.Metadata.AudioDuration > 0 {
		ds.SetDuration(sg.SongID, sg.Metadata.AudioDuration)
	}
	l.mu.Lock()
	l.cursor = sg.OrderIndex
	l.mu.Unlock()
	if err := l.cfg.store.Playlists().UpdateCursor(l.ctx, l.cfg.playlistID, sg.OrderIndex); err != nil {
		slog.Warn("daemon: cursor update failed", "err", err)
	}
}

// songEnded reports consumption and advances to the next ready song.
func (l *localSession) songEnded(songID string) {
	if songID != "" {
		if err := l.cfg.store.Songs().MarkPlayed(l.ctx, songID); err != nil {
			slog.Warn("daemon: mark played failed", "song_id", songID, "err", err)
		}
	}
	l.advance()
}

func (l *localSession) advance() {
	l.mu.Lock()
	var next *data.Song
	for i := range l.upcoming {
		if l.upcoming[i].OrderIndex > l.cursor {
			next = &l.upcoming[i]
			break
		}
	}
	l.mu.Unlock()
	if next != nil {
		l.loadSong(*next)
		return
	}
	// Nothing buffered yet; the next poll tick picks playback back up.
	_ = l.cfg.engine.Stop(false)
}

// command drives the engine directly; there is no server to defer to in
// local mode.
func (l *localSession) command(name wire.CommandName, volume, seekSeconds float64, songID string) error {
	eng := l.cfg.engine
	switch name {
	case wire.CmdPlay:
		return eng.Play()
	case wire.CmdPause:
		return eng.Pause()
	case wire.CmdToggle:
		return eng.Toggle()
	case wire.CmdSeek:
		return eng.Seek(time.Duration(seekSeconds * float64(time.Second)))
	case wire.CmdSetVolume:
		return eng.SetVolume(volume)
	case wire.CmdToggleMute:
		return eng.ToggleMute()
	case wire.CmdSkip:
		cur := eng.Snapshot().SongID
		l.songEnded(cur)
		return nil
	case wire.CmdSelectSong:
		l.mu.Lock()
		var target *data.Song
		for i := range l.upcoming {
			if l.upcoming[i].SongID == songID {
				target = &l.upcoming[i]
				break
			}
		}
		l.mu.Unlock()
		if target == nil {
			return pipelineerr.User("song not in queue: " + songID)
		}
		l.loadSong(*target)
		return nil
	}
	return pipelineerr.User("unknown command " + string(name))
}

func (l *localSession) queueSnapshot() []QueueEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.cfg.engine.Snapshot().SongID
	out := make([]QueueEntry, 0, len(l.upcoming))
	for _, sg := range l.upcoming {
		if sg.SongID == cur {
			continue
		}
		out = append(out, QueueEntry{
			SongID:   sg.SongID,
			Title:    sg.Metadata.Title,
			Artist:   sg.Metadata.Artist,
			Duration: sg.Metadata.AudioDuration.Seconds(),
		})
	}
	return out
}
