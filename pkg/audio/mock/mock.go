// Package mock provides a scripted [audio.Engine] test double that records
// every call and lets tests fire the song-ended callback on demand.
package mock

import (
	"sync"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/pkg/audio"
)

// Call records one engine invocation: the method name and its arguments.
type Call struct {
	Method string
	SongID string
	URL    string
	Pos    time.Duration
	Volume float64
	Hard   bool
}

// Engine implements [audio.Engine] by mutating an in-memory snapshot and
// appending to a call log. Safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	snap    audio.Snapshot
	calls   []Call
	onEnded func(songID string)

	// LoadErr, when set, is returned by LoadSong.
	LoadErr error
}

// New returns an idle mock engine at full volume.
func New() *Engine {
	return &Engine{snap: audio.Snapshot{Volume: 1.0}}
}

// Calls returns a copy of the call log.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallNames returns just the method names, in order.
func (e *Engine) CallNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.Method
	}
	return out
}

// EndSong fires the registered song-ended callback as if the loaded song
// had played to completion.
func (e *Engine) EndSong() {
	e.mu.Lock()
	fn := e.onEnded
	songID := e.snap.SongID
	e.snap.IsPlaying = false
	e.mu.Unlock()
	if fn != nil {
		fn(songID)
	}
}

func (e *Engine) record(c Call) {
	e.calls = append(e.calls, c)
}

func (e *Engine) LoadSong(songID, url string, _ time.Time, timeOffset time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "LoadSong", SongID: songID, URL: url, Pos: timeOffset})
	if e.LoadErr != nil {
		return e.LoadErr
	}
	e.snap.SongID = songID
	e.snap.IsPlaying = true
	e.snap.CurrentTime = timeOffset.Seconds()
	return nil
}

func (e *Engine) Preload(songID, url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Preload", SongID: songID, URL: url})
	return nil
}

func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Play"})
	e.snap.IsPlaying = true
	return nil
}

func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Pause"})
	e.snap.IsPlaying = false
	return nil
}

func (e *Engine) Toggle() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Toggle"})
	e.snap.IsPlaying = !e.snap.IsPlaying
	return nil
}

func (e *Engine) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Seek", Pos: pos})
	e.snap.CurrentTime = pos.Seconds()
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
	e.record(Call{Method: "SetVolume", Volume: v})
	e.snap.Volume = v
	return nil
}

func (e *Engine) ToggleMute() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "ToggleMute"})
	e.snap.IsMuted = !e.snap.IsMuted
	return nil
}

func (e *Engine) Snapshot() audio.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

func (e *Engine) Stop(hard bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Stop", Hard: hard})
	e.snap.IsPlaying = false
	e.snap.CurrentTime = 0
	if hard {
		e.snap.SongID = ""
	}
	return nil
}

func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Call{Method: "Destroy"})
	e.snap = audio.Snapshot{}
	return nil
}

func (e *Engine) OnSongEnded(fn func(songID string)) {
	e.mu.Lock()
	e.onEnded = fn
	e.mu.Unlock()
}
