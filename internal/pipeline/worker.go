package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/pipelineerr"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
	"github.com/beastyrabbit/infinitune-sub001/internal/queue"
)

// worker drives one song through the state machine. It is created by
// [Manager.Spawn] and removed from the manager's table when run returns —
// there is no persistent goroutine for a song once it reaches a terminal or
// stalled state.
type worker struct {
	mgr    *Manager
	songID string
	ctx    context.Context
	cancel context.CancelFunc

	coverMu     sync.Mutex
	coverBytes  []byte
	coverFormat string
}

// run is the worker's entire lifetime: fetch current state, reconcile a
// restart-time recovery if needed, then drive forward transitions until the
// song reaches ready, error, or a claim is lost to another worker.
func (w *worker) run() {
	defer w.mgr.removeWorker(w.songID)

	songs, err := w.mgr.store.Songs().GetByIDs(w.ctx, []string{w.songID})
	if err != nil || len(songs) == 0 {
		slog.Error("pipeline: song not found at worker start", "song_id", w.songID, "err", err)
		return
	}
	song := songs[0]

	playlist, err := w.mgr.store.Playlists().GetByID(w.ctx, song.PlaylistID)
	if err != nil {
		slog.Error("pipeline: playlist lookup failed", "playlist_id", song.PlaylistID, "song_id", w.songID, "err", err)
		return
	}

	song, done, err := w.recover(w.ctx, playlist, song)
	if err != nil {
		slog.Error("pipeline: recovery failed", "song_id", w.songID, "err", err)
		return
	}
	if done {
		return
	}

	switch song.Status {
	case data.StatusPending, data.StatusRetryPending:
		song, err = w.runMetadata(w.ctx, playlist, song)
		if err != nil {
			return
		}
		fallthrough
	case data.StatusMetadataReady:
		go w.runCover(playlist, song)
		w.runAudio(w.ctx, playlist, song)
	default:
		// ready, played, error: nothing left for a worker to drive.
	}
}

// recover applies the restart recovery table. It returns
// done=true when it has itself carried the song all the way to a terminal
// step (the generating_audio/saving cases resume polling directly).
func (w *worker) recover(ctx context.Context, playlist data.Playlist, song data.Song) (data.Song, bool, error) {
	switch song.Status {
	case data.StatusGeneratingMetadata:
		if err := w.mgr.store.Songs().RevertTransient(ctx, song.SongID, data.StatusPending); err != nil {
			return song, false, err
		}
		song.Status = data.StatusPending
		return song, false, nil

	case data.StatusSubmittingToAce:
		if err := w.mgr.store.Songs().RevertTransient(ctx, song.SongID, data.StatusMetadataReady); err != nil {
			return song, false, err
		}
		song.Status = data.StatusMetadataReady
		return song, false, nil

	case data.StatusGeneratingAudio:
		if song.HasAceTask() {
			w.runAudioResume(ctx, playlist, song)
			return song, true, nil
		}
		if err := w.mgr.store.Songs().RevertTransient(ctx, song.SongID, data.StatusMetadataReady); err != nil {
			return song, false, err
		}
		song.Status = data.StatusMetadataReady
		return song, false, nil

	case data.StatusSaving:
		if err := w.mgr.store.Songs().RevertTransient(ctx, song.SongID, data.StatusGeneratingAudio); err != nil {
			return song, false, err
		}
		song.Status = data.StatusGeneratingAudio
		w.runAudioResume(ctx, playlist, song)
		return song, true, nil

	default:
		return song, false, nil
	}
}

// runMetadata claims and drives step 1: manager brief refresh,
// LLM call, one duplicate-title retry, persistence.
func (w *worker) runMetadata(ctx context.Context, playlist data.Playlist, song data.Song) (data.Song, error) {
	claimed, err := w.mgr.store.Songs().ClaimMetadata(ctx, song.SongID)
	if err != nil {
		return song, err
	}
	if !claimed {
		return song, data.ErrClaimLost
	}

	priority := Priority(song, playlist)
	v, _, err := w.mgr.queues.LLM.Enqueue(ctx, song.SongID, priority, "llm", func(ctx context.Context) (any, error) {
		return w.generateMetadata(ctx, playlist, song)
	})
	if err != nil {
		if errors.Is(err, queue.ErrCancelled) || errors.Is(err, context.Canceled) {
			return song, err
		}
		w.fail(ctx, song.PlaylistID, song.SongID, pipelineerr.Transient("metadata generation failed", err))
		return song, err
	}

	res := v.(provider.MetadataResult)
	md := toDataMetadata(res)
	if err := w.mgr.store.Songs().CompleteMetadata(ctx, song.SongID, md); err != nil {
		return song, err
	}
	song.Metadata = md
	song.Status = data.StatusMetadataReady
	return song, nil
}

// generateMetadata is the LLM executor body run under the LLM queue's active
// slot: refresh the manager brief if stale, call the LLM, and retry exactly
// once on a duplicate title/artist match against the playlist's most
// recently completed songs.
func (w *worker) generateMetadata(ctx context.Context, playlist data.Playlist, song data.Song) (provider.MetadataResult, error) {
	brief := w.mgr.ensureManagerBrief(ctx, playlist)

	wq, err := w.mgr.store.Songs().GetWorkQueue(ctx, playlist.PlaylistID)
	if err != nil {
		wq = data.WorkQueue{}
	}
	recentCompleted := lastSongs(wq.RecentCompleted, w.mgr.dedupWindow)
	recentDescriptions := lastStrings(wq.RecentDescriptions, w.mgr.dedupWindow)

	req := provider.MetadataRequest{
		PlaylistPrompt:  playlist.Prompt,
		ManagerBrief:    brief,
		InterruptPrompt: song.InterruptPrompt,
		RecentTitles:    recentDescriptions,
	}

	res, err := w.mgr.llm.GenerateMetadata(ctx, req)
	if err != nil {
		return res, err
	}
	if isDuplicate(res, recentCompleted) {
		res, err = w.mgr.llm.GenerateMetadata(ctx, req)
	}
	return res, err
}

// lastSongs returns the last n elements of recent (the most recently
// completed songs, since GetWorkQueue orders ascending), or all of it if n
// is non-positive or recent is already shorter.
func lastSongs(recent []data.Song, n int) []data.Song {
	if n <= 0 || len(recent) <= n {
		return recent
	}
	return recent[len(recent)-n:]
}

// lastStrings is lastSongs for the plain description strings GetWorkQueue
// also returns.
func lastStrings(recent []string, n int) []string {
	if n <= 0 || len(recent) <= n {
		return recent
	}
	return recent[len(recent)-n:]
}

// isDuplicate reports whether res's title and artist case-insensitively
// match one of recent's entries.
func isDuplicate(res provider.MetadataResult, recent []data.Song) bool {
	for _, s := range recent {
		if strings.EqualFold(res.Title, s.Metadata.Title) && strings.EqualFold(res.Artist, s.Metadata.Artist) {
			return true
		}
	}
	return false
}

// runCover is the best-effort, fire-and-forget cover step. It is launched from a separate goroutine and never affects the song's
// status: a failure here is logged and otherwise ignored.
func (w *worker) runCover(playlist data.Playlist, song data.Song) {
	priority := Priority(song, playlist)
	v, _, err := w.mgr.queues.Image.Enqueue(w.ctx, song.SongID, priority, "image", func(ctx context.Context) (any, error) {
		return w.mgr.image.GenerateCover(ctx, provider.CoverRequest{
			Title:   song.Metadata.Title,
			Artist:  song.Metadata.Artist,
			Mood:    song.Metadata.Mood,
			Caption: song.Metadata.Caption,
		})
	})
	if err != nil {
		slog.Debug("pipeline: cover generation skipped", "song_id", song.SongID, "err", err)
		return
	}

	res := v.(provider.CoverResult)
	w.setCover(res.Bytes, res.Format)

	url, err := w.mgr.storage.PutCover(w.ctx, song.SongID, res.Bytes, res.Format)
	if err != nil {
		slog.Debug("pipeline: cover storage failed", "song_id", song.SongID, "err", err)
		return
	}
	if err := w.mgr.store.Songs().UpdateCover(w.ctx, song.SongID, url); err != nil {
		slog.Debug("pipeline: cover URL persist failed", "song_id", song.SongID, "err", err)
	}
}

func (w *worker) setCover(coverBytes []byte, format string) {
	w.coverMu.Lock()
	defer w.coverMu.Unlock()
	w.coverBytes = coverBytes
	w.coverFormat = format
}

func (w *worker) getCover() ([]byte, string) {
	w.coverMu.Lock()
	defer w.coverMu.Unlock()
	return w.coverBytes, w.coverFormat
}

// runAudio claims and drives steps 3-4: submit to the audio
// provider, block on the audio queue until a terminal poll result, then
// save.
func (w *worker) runAudio(ctx context.Context, playlist data.Playlist, song data.Song) {
	claimed, err := w.mgr.store.Songs().ClaimAudio(ctx, song.SongID)
	if err != nil {
		slog.Error("pipeline: audio claim failed", "song_id", song.SongID, "err", err)
		return
	}
	if !claimed {
		return
	}

	priority := Priority(song, playlist)
	poll, _, err := w.mgr.queues.Audio.Enqueue(ctx, song.SongID, priority, func(ctx context.Context) (any, error) {
		req := toAudioSubmitRequest(song)
		res, err := w.mgr.audio.SubmitAudio(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := w.mgr.store.Songs().UpdateAceTask(ctx, song.SongID, res.TaskID, time.Now()); err != nil {
			return nil, err
		}
		return res, nil
	})
	w.finishAudio(ctx, playlist, song, poll, err)
}

// runAudioResume re-enters polling for a song recovered mid-flight; it
// never resubmits.
func (w *worker) runAudioResume(ctx context.Context, playlist data.Playlist, song data.Song) {
	poll, _, err := w.mgr.queues.Audio.ResumePoll(ctx, song.SongID, song.AceTaskID, song.AceSubmittedAt)
	w.finishAudio(ctx, playlist, song, poll, err)
}

func (w *worker) finishAudio(ctx context.Context, playlist data.Playlist, song data.Song, poll provider.AudioPollResult, err error) {
	if err != nil {
		if errors.Is(err, queue.ErrCancelled) || errors.Is(err, context.Canceled) {
			return
		}
		w.fail(ctx, song.PlaylistID, song.SongID, pipelineerr.Transient("audio generation failed", err))
		return
	}

	if poll.Status != provider.AudioSucceeded {
		msg := poll.Error
		if msg == "" {
			msg = fmt.Sprintf("audio task ended with status %s", poll.Status)
		}
		w.fail(ctx, song.PlaylistID, song.SongID, pipelineerr.Transient("audio generation failed", errors.New(msg)))
		return
	}

	w.save(ctx, playlist, song, poll)
}

// save is step 4's completion: copy the audio into persistent
// storage, write tags, update duration if trimming changed it, mark ready.
func (w *worker) save(ctx context.Context, playlist data.Playlist, song data.Song, poll provider.AudioPollResult) {
	url, err := w.mgr.storage.PutAudio(ctx, song.SongID, poll.AudioPath)
	if err != nil {
		w.fail(ctx, song.PlaylistID, song.SongID, pipelineerr.Resource("audio storage copy failed", err))
		return
	}
	if err := w.mgr.store.Songs().UpdateStoragePath(ctx, song.SongID, url); err != nil {
		w.fail(ctx, song.PlaylistID, song.SongID, err)
		return
	}

	coverBytes, coverFormat := w.getCover()
	tags := Tags{
		Title:       song.Metadata.Title,
		Artist:      song.Metadata.Artist,
		Album:       playlist.Prompt,
		Lyrics:      song.Metadata.Lyrics,
		BPM:         song.Metadata.BPM,
		Cover:       coverBytes,
		CoverFormat: coverFormat,
	}
	if dur, err := w.mgr.tagWriter.Write(url, tags); err != nil {
		slog.Warn("pipeline: audio tag write failed, continuing without tags", "song_id", song.SongID, "err", err)
	} else if dur > 0 {
		if err := w.mgr.store.Songs().UpdateAudioDuration(ctx, song.SongID, dur); err != nil {
			slog.Warn("pipeline: audio duration update failed", "song_id", song.SongID, "err", err)
		}
	}

	if err := w.mgr.store.Songs().MarkReady(ctx, song.SongID); err != nil {
		w.fail(ctx, song.PlaylistID, song.SongID, err)
		return
	}
	w.mgr.recordCompleted(ctx, song.PlaylistID)
}

// fail persists the error status and records it for diagnostics.
func (w *worker) fail(ctx context.Context, playlistID, songID string, cause error) {
	if err := w.mgr.store.Songs().MarkError(ctx, songID, cause.Error()); err != nil {
		slog.Error("pipeline: failed to persist error state", "song_id", songID, "err", err)
	}
	w.mgr.recordErrored(ctx, playlistID)
	slog.Error("pipeline: song failed", "song_id", songID, "kind", pipelineerr.KindOf(cause), "err", cause)
}

func toDataMetadata(res provider.MetadataResult) data.Metadata {
	return data.Metadata{
		Title:         res.Title,
		Artist:        res.Artist,
		Lyrics:        res.Lyrics,
		Caption:       res.Caption,
		BPM:           res.BPM,
		KeyScale:      res.KeyScale,
		TimeSignature: res.TimeSignature,
		Mood:          res.Mood,
		Energy:        res.Energy,
	}
}

func toAudioSubmitRequest(song data.Song) provider.AudioSubmitRequest {
	return provider.AudioSubmitRequest{
		Lyrics:        song.Metadata.Lyrics,
		Caption:       song.Metadata.Caption,
		BPM:           song.Metadata.BPM,
		KeyScale:      song.Metadata.KeyScale,
		TimeSignature: song.Metadata.TimeSignature,
		DurationHint:  song.Metadata.AudioDuration,
	}
}
