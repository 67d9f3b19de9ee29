// Package clock implements [audio.Engine] as a wall-clock simulation: the
// playhead advances in real time and song end fires when the known duration
// elapses, but no audio is decoded or emitted. It backs headless runs and
// every test that needs engine behavior without a sound device; the real
// decoder process is an external collaborator.
package clock

import (
	"sync"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/pkg/audio"
)

// Engine is a wall-clock [audio.Engine]. The zero value is not usable; call
// [New].
type Engine struct {
	mu sync.Mutex

	songID   string
	duration time.Duration

	// anchor is the instant position zero maps to while playing.
	anchor time.Time
	// pos is the frozen playhead while paused (or before startAt).
	pos     time.Duration
	playing bool

	volume float64
	muted  bool

	preloaded map[string]string

	endTimer  *time.Timer
	onEnded   func(songID string)
	destroyed bool
}

// New returns an idle engine at full volume.
func New() *Engine {
	return &Engine{volume: 1.0, preloaded: make(map[string]string)}
}

// LoadSong loads songID and schedules playback. The song's duration is not
// known from the load; it is set through [Engine.SetDuration].
func (e *Engine) LoadSong(songID, url string, startAt time.Time, timeOffset time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return audio.ErrDestroyed
	}

	e.stopTimerLocked()
	e.songID = songID
	e.pos = timeOffset
	delete(e.preloaded, songID)

	now := time.Now()
	if startAt.IsZero() || !startAt.After(now) {
		e.playing = true
		e.anchor = now.Add(-timeOffset)
		e.armTimerLocked()
		return nil
	}

	// Scheduled start: hold position until the local clock reaches
	// startAt, then begin advancing.
	e.playing = true
	e.anchor = startAt.Add(-timeOffset)
	e.armTimerLocked()
	return nil
}

// SetDuration tells the engine how long the loaded song is, re-arming the
// end-of-song timer. The daemon calls this from metadata it already has;
// a real decoder would discover it from the stream.
func (e *Engine) SetDuration(songID string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.songID != songID {
		return
	}
	e.duration = d
	e.stopTimerLocked()
	e.armTimerLocked()
}

// Preload records the warm-up request; the simulation has nothing to fetch.
func (e *Engine) Preload(songID, url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return audio.ErrDestroyed
	}
	e.preloaded[songID] = url
	return nil
}

func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return audio.ErrDestroyed
	}
	if e.playing || e.songID == "" {
		return nil
	}
	e.playing = true
	e.anchor = time.Now().Add(-e.pos)
	e.armTimerLocked()
	return nil
}

func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return audio.ErrDestroyed
	}
	if !e.playing {
		return nil
	}
	e.pos = e.positionLocked()
	e.playing = false
	e.stopTimerLocked()
	return nil
}

func (e *Engine) Toggle() error {
	e.mu.Lock()
	playing := e.playing
	e.mu.Unlock()
	if playing {
		return e.Pause()
	}
	return e.Play()
}

func (e *Engine) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return audio.ErrDestroyed
	}
	if pos < 0 {
		pos = 0
	}
	e.pos = pos
	if e.playing {
		e.anchor = time.Now().Add(-pos)
		e.stopTimerLocked()
		e.armTimerLocked()
	}
	return nil
}

func (e *Engine) SetVolume(v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	e.volume = v
	return nil
}

func (e *Engine) ToggleMute() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = !e.muted
	return nil
}

func (e *Engine) Snapshot() audio.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return audio.Snapshot{
		SongID:      e.songID,
		IsPlaying:   e.playing,
		CurrentTime: e.positionLocked().Seconds(),
		Duration:    e.duration.Seconds(),
		Volume:      e.volume,
		IsMuted:     e.muted,
	}
}

func (e *Engine) Stop(hard bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimerLocked()
	e.playing = false
	e.pos = 0
	if hard {
		e.songID = ""
		e.duration = 0
		e.preloaded = make(map[string]string)
	}
	return nil
}

func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimerLocked()
	e.destroyed = true
	e.songID = ""
	e.playing = false
	return nil
}

func (e *Engine) OnSongEnded(fn func(songID string)) {
	e.mu.Lock()
	e.onEnded = fn
	e.mu.Unlock()
}

// positionLocked derives the playhead from the anchor. Before a scheduled
// startAt the derived value is negative; it is clamped so snapshots never
// report a position before zero.
func (e *Engine) positionLocked() time.Duration {
	if !e.playing {
		return e.pos
	}
	p := time.Since(e.anchor)
	if p < 0 {
		return 0
	}
	return p
}

// armTimerLocked schedules the song-ended callback for when the playhead
// reaches the known duration. Unknown durations never end naturally.
func (e *Engine) armTimerLocked() {
	if !e.playing || e.duration <= 0 {
		return
	}
	remaining := e.duration - e.positionLocked()
	if e.anchor.After(time.Now()) {
		remaining = e.duration + time.Until(e.anchor)
	}
	if remaining < 0 {
		remaining = 0
	}
	songID := e.songID
	e.endTimer = time.AfterFunc(remaining, func() { e.fireEnded(songID) })
}

func (e *Engine) stopTimerLocked() {
	if e.endTimer != nil {
		e.endTimer.Stop()
		e.endTimer = nil
	}
}

func (e *Engine) fireEnded(songID string) {
	e.mu.Lock()
	stale := e.destroyed || e.songID != songID
	fn := e.onEnded
	if !stale {
		e.playing = false
		e.pos = e.duration
	}
	e.mu.Unlock()
	if stale || fn == nil {
		return
	}
	fn(songID)
}
