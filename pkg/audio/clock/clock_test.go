package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/pkg/audio"
)

func TestLoadSongImmediateStartAdvancesPlayhead(t *testing.T) {
	e := New()
	if err := e.LoadSong("s1", "file:///s1.mp3", time.Time{}, 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	snap := e.Snapshot()
	if !snap.IsPlaying {
		t.Error("expected playing")
	}
	if snap.CurrentTime <= 0 {
		t.Errorf("playhead did not advance: %v", snap.CurrentTime)
	}
}

func TestScheduledStartHoldsAtZeroUntilStartAt(t *testing.T) {
	e := New()
	if err := e.LoadSong("s1", "u", time.Now().Add(200*time.Millisecond), 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := e.Snapshot().CurrentTime; got != 0 {
		t.Errorf("playhead before startAt = %v, want 0", got)
	}
	time.Sleep(250 * time.Millisecond)
	if got := e.Snapshot().CurrentTime; got <= 0 {
		t.Errorf("playhead after startAt = %v, want > 0", got)
	}
}

func TestPauseFreezesAndPlayResumes(t *testing.T) {
	e := New()
	_ = e.LoadSong("s1", "u", time.Time{}, 2*time.Second)
	if err := e.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	frozen := e.Snapshot().CurrentTime
	time.Sleep(50 * time.Millisecond)
	if got := e.Snapshot().CurrentTime; got != frozen {
		t.Errorf("paused playhead moved: %v -> %v", frozen, got)
	}
	if err := e.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := e.Snapshot().CurrentTime; got <= frozen {
		t.Errorf("resumed playhead did not advance past %v: %v", frozen, got)
	}
}

func TestSetVolumeClamps(t *testing.T) {
	e := New()
	_ = e.SetVolume(2.5)
	if got := e.Snapshot().Volume; got != 1 {
		t.Errorf("volume = %v, want 1", got)
	}
	_ = e.SetVolume(-3)
	if got := e.Snapshot().Volume; got != 0 {
		t.Errorf("volume = %v, want 0", got)
	}
}

func TestSongEndedFiresOnceAtDuration(t *testing.T) {
	e := New()
	var fired atomic.Int32
	e.OnSongEnded(func(songID string) {
		if songID != "s1" {
			t.Errorf("ended songID = %q, want s1", songID)
		}
		fired.Add(1)
	})

	_ = e.LoadSong("s1", "u", time.Time{}, 0)
	e.SetDuration("s1", 80*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("ended fired %d times, want 1", got)
	}
	if e.Snapshot().IsPlaying {
		t.Error("engine still playing after song end")
	}
}

func TestSeekReArmsEndTimer(t *testing.T) {
	e := New()
	var fired atomic.Int32
	e.OnSongEnded(func(string) { fired.Add(1) })

	_ = e.LoadSong("s1", "u", time.Time{}, 0)
	e.SetDuration("s1", 10*time.Second)
	_ = e.Seek(9950 * time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("ended fired %d times after seek near end, want 1", got)
	}
}

func TestDestroyRejectsFurtherUse(t *testing.T) {
	e := New()
	_ = e.LoadSong("s1", "u", time.Time{}, 0)
	if err := e.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := e.LoadSong("s2", "u", time.Time{}, 0); err != audio.ErrDestroyed {
		t.Errorf("load after destroy = %v, want ErrDestroyed", err)
	}
}

func TestHardStopDiscardsLoadedSong(t *testing.T) {
	e := New()
	_ = e.LoadSong("s1", "u", time.Time{}, 0)
	_ = e.Stop(true)
	snap := e.Snapshot()
	if snap.SongID != "" || snap.IsPlaying {
		t.Errorf("hard stop left state %+v", snap)
	}
}
