// Package memstore is an in-memory implementation of [data.Store]. It is the
// default backend for local-mode playback and the reference implementation
// used by component tests across the pipeline, playlist, and room packages.
//
// One mutex-guarded map per entity kind, with no external dependencies.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
)

// Store is a thread-safe, in-memory [data.Store]. The zero value is not
// ready to use; call New.
type Store struct {
	mu        sync.RWMutex
	playlists map[string]data.Playlist
	songs     map[string]data.Song

	bus *bus
}

// New returns an initialised in-memory [data.Store].
func New() *Store {
	return &Store{
		playlists: make(map[string]data.Playlist),
		songs:     make(map[string]data.Song),
		bus:       newBus(),
	}
}

var _ data.Store = (*Store)(nil)

func (s *Store) Playlists() data.PlaylistStore { return &playlistStore{s} }
func (s *Store) Songs() data.SongStore         { return &songStore{s} }
func (s *Store) Events() data.EventBus         { return s.bus }

func (s *Store) publish(ev data.Event) {
	ev.At = time.Now()
	s.bus.Publish(context.Background(), ev)
}

// ─── bus ─────────────────────────────────────────────────────────────────────

type bus struct {
	mu   sync.Mutex
	subs map[chan data.Event]struct{}
}

func newBus() *bus { return &bus{subs: make(map[chan data.Event]struct{})} }

func (b *bus) Publish(_ context.Context, ev data.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher, matching
			// keeping fan-out non-blocking on the hot path.
		}
	}
}

func (b *bus) Subscribe() (<-chan data.Event, func()) {
	ch := make(chan data.Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// ─── playlists ───────────────────────────────────────────────────────────────

type playlistStore struct{ s *Store }

func (p *playlistStore) GetByID(_ context.Context, id string) (data.Playlist, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	pl, ok := p.s.playlists[id]
	if !ok {
		return data.Playlist{}, data.ErrNotFound
	}
	return pl, nil
}

func (p *playlistStore) GetByKey(_ context.Context, key string) (data.Playlist, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	for _, pl := range p.s.playlists {
		if pl.PlaylistKey == key {
			return pl, nil
		}
	}
	return data.Playlist{}, data.ErrNotFound
}

func (p *playlistStore) ListActive(_ context.Context) ([]data.Playlist, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]data.Playlist, 0, len(p.s.playlists))
	for _, pl := range p.s.playlists {
		if pl.Status == data.PlaylistActive || pl.Status == data.PlaylistClosing {
			out = append(out, pl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlaylistID < out[j].PlaylistID })
	return out, nil
}

func (p *playlistStore) Create(_ context.Context, pl data.Playlist) (data.Playlist, error) {
	if pl.PlaylistID == "" {
		pl.PlaylistID = uuid.NewString()
	}
	if pl.Status == "" {
		pl.Status = data.PlaylistActive
	}
	now := time.Now()
	pl.CreatedAt, pl.UpdatedAt = now, now
	pl.LastSeenAt = now

	p.s.mu.Lock()
	if _, exists := p.s.playlists[pl.PlaylistID]; exists {
		p.s.mu.Unlock()
		return data.Playlist{}, fmt.Errorf("memstore: playlist %q already exists", pl.PlaylistID)
	}
	p.s.playlists[pl.PlaylistID] = pl
	p.s.mu.Unlock()

	p.s.publish(data.Event{Kind: data.EventPlaylistCreated, PlaylistID: pl.PlaylistID})
	return pl, nil
}

func (p *playlistStore) UpdateStatus(_ context.Context, id string, status data.PlaylistStatus) error {
	p.s.mu.Lock()
	pl, ok := p.s.playlists[id]
	if !ok {
		p.s.mu.Unlock()
		return data.ErrNotFound
	}
	from := pl.Status
	pl.Status = status
	pl.UpdatedAt = time.Now()
	p.s.playlists[id] = pl
	p.s.mu.Unlock()

	if from != status {
		p.s.publish(data.Event{Kind: data.EventPlaylistStatusChange, PlaylistID: id, From: string(from), To: string(status)})
	}
	return nil
}

func (p *playlistStore) UpdateManagerBrief(_ context.Context, id string, brief string, plan data.ManagerPlan, epoch int) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pl, ok := p.s.playlists[id]
	if !ok {
		return data.ErrNotFound
	}
	pl.ManagerBrief = brief
	pl.ManagerPlan = plan
	pl.ManagerEpoch = epoch
	pl.UpdatedAt = time.Now()
	p.s.playlists[id] = pl
	return nil
}

func (p *playlistStore) IncrementEpoch(_ context.Context, id string) (int, error) {
	p.s.mu.Lock()
	pl, ok := p.s.playlists[id]
	if !ok {
		p.s.mu.Unlock()
		return 0, data.ErrNotFound
	}
	pl.PromptEpoch++
	pl.UpdatedAt = time.Now()
	p.s.playlists[id] = pl
	newEpoch := pl.PromptEpoch
	p.s.mu.Unlock()

	p.s.publish(data.Event{Kind: data.EventPlaylistSteered, PlaylistID: id, NewEpoch: newEpoch})
	return newEpoch, nil
}

func (p *playlistStore) Heartbeat(_ context.Context, id string) error {
	p.s.mu.Lock()
	pl, ok := p.s.playlists[id]
	if !ok {
		p.s.mu.Unlock()
		return data.ErrNotFound
	}
	pl.LastSeenAt = time.Now()
	p.s.playlists[id] = pl
	p.s.mu.Unlock()

	p.s.publish(data.Event{Kind: data.EventPlaylistHeartbeat, PlaylistID: id})
	return nil
}

func (p *playlistStore) UpdateCursor(_ context.Context, id string, currentOrderIndex int) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pl, ok := p.s.playlists[id]
	if !ok {
		return data.ErrNotFound
	}
	pl.CurrentOrderIndex = currentOrderIndex
	pl.UpdatedAt = time.Now()
	p.s.playlists[id] = pl
	return nil
}

// ─── songs ───────────────────────────────────────────────────────────────────

type songStore struct{ s *Store }

func (g *songStore) GetByIDs(_ context.Context, ids []string) ([]data.Song, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	out := make([]data.Song, 0, len(ids))
	for _, id := range ids {
		if sg, ok := g.s.songs[id]; ok {
			out = append(out, sg)
		}
	}
	return out, nil
}

func (g *songStore) ListByPlaylist(_ context.Context, playlistID string) ([]data.Song, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	out := make([]data.Song, 0)
	for _, sg := range g.s.songs {
		if sg.PlaylistID == playlistID {
			out = append(out, sg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

// staleThreshold bounds how long a song may sit in a transient status before
// GetWorkQueue reports it under StaleSongs.
const staleThreshold = 30 * time.Minute

func (g *songStore) GetWorkQueue(_ context.Context, playlistID string) (data.WorkQueue, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()

	pl, ok := g.s.playlists[playlistID]
	if !ok {
		return data.WorkQueue{}, data.ErrNotFound
	}

	wq := data.WorkQueue{CurrentEpoch: pl.PromptEpoch}
	var all []data.Song
	for _, sg := range g.s.songs {
		if sg.PlaylistID != playlistID {
			continue
		}
		all = append(all, sg)
		if sg.OrderIndex > wq.MaxOrderIndex {
			wq.MaxOrderIndex = sg.OrderIndex
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OrderIndex < all[j].OrderIndex })

	now := time.Now()
	for _, sg := range all {
		wq.TotalSongs++
		switch sg.Status {
		case data.StatusPending:
			wq.Pending = append(wq.Pending, sg)
		case data.StatusMetadataReady:
			wq.MetadataReady = append(wq.MetadataReady, sg)
			if sg.CoverURL == "" {
				wq.NeedsCover = append(wq.NeedsCover, sg)
			}
		case data.StatusGeneratingAudio, data.StatusSubmittingToAce, data.StatusSaving:
			wq.GeneratingAudio = append(wq.GeneratingAudio, sg)
		case data.StatusRetryPending:
			wq.RetryPending = append(wq.RetryPending, sg)
		case data.StatusReady:
			wq.RecentCompleted = append(wq.RecentCompleted, sg)
			if sg.Metadata.Title != "" {
				wq.RecentDescriptions = append(wq.RecentDescriptions,
					fmt.Sprintf("%s — %s", sg.Metadata.Title, sg.Metadata.Artist))
			}
		}
		if sg.Status.IsTransient() {
			wq.TransientCount++
			if now.Sub(sg.UpdatedAt) > staleThreshold {
				wq.StaleSongs = append(wq.StaleSongs, sg)
			}
		}
		if sg.Status == data.StatusError {
			wq.NeedsRecovery = append(wq.NeedsRecovery, sg)
		}
	}

	upcoming := 0
	for _, sg := range all {
		if sg.OrderIndex > pl.CurrentOrderIndex && sg.Status != data.StatusError {
			upcoming++
		}
	}
	wq.BufferDeficit = upcoming // caller compares against a configured target

	// RecentCompleted/RecentDescriptions are returned unbounded; the
	// dedup-window size is a pipeline-level config (pipeline.WithDedupWindow),
	// not a store concern.

	return wq, nil
}

func (g *songStore) CreatePending(_ context.Context, playlistID string, orderIndex int, promptEpoch int) (data.Song, error) {
	g.s.mu.Lock()
	pl, ok := g.s.playlists[playlistID]
	if !ok {
		g.s.mu.Unlock()
		return data.Song{}, data.ErrNotFound
	}
	if pl.Status != data.PlaylistActive {
		g.s.mu.Unlock()
		return data.Song{}, data.ErrPlaylistClosed
	}
	now := time.Now()
	sg := data.Song{
		SongID:      uuid.NewString(),
		PlaylistID:  playlistID,
		OrderIndex:  orderIndex,
		PromptEpoch: promptEpoch,
		Status:      data.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	g.s.songs[sg.SongID] = sg
	g.s.mu.Unlock()

	g.s.publish(data.Event{Kind: data.EventSongCreated, PlaylistID: playlistID, SongID: sg.SongID})
	return sg, nil
}

func (g *songStore) CreateInterrupt(_ context.Context, playlistID string, prompt string) (data.Song, error) {
	g.s.mu.Lock()
	pl, ok := g.s.playlists[playlistID]
	if !ok {
		g.s.mu.Unlock()
		return data.Song{}, data.ErrNotFound
	}
	if pl.Status != data.PlaylistActive {
		g.s.mu.Unlock()
		return data.Song{}, data.ErrPlaylistClosed
	}
	maxIdx := 0
	for _, sg := range g.s.songs {
		if sg.PlaylistID == playlistID && sg.OrderIndex > maxIdx {
			maxIdx = sg.OrderIndex
		}
	}
	now := time.Now()
	sg := data.Song{
		SongID:          uuid.NewString(),
		PlaylistID:      playlistID,
		OrderIndex:      maxIdx + 1,
		PromptEpoch:     pl.PromptEpoch,
		IsInterrupt:     true,
		InterruptPrompt: prompt,
		Status:          data.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	g.s.songs[sg.SongID] = sg
	g.s.mu.Unlock()

	g.s.publish(data.Event{Kind: data.EventSongCreated, PlaylistID: playlistID, SongID: sg.SongID})
	return sg, nil
}

func (g *songStore) DeleteSong(_ context.Context, songID string) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if _, ok := g.s.songs[songID]; !ok {
		return data.ErrNotFound
	}
	delete(g.s.songs, songID)
	return nil
}

func (g *songStore) transition(songID string, mutate func(*data.Song)) (from, to data.SongStatus, err error) {
	g.s.mu.Lock()
	sg, ok := g.s.songs[songID]
	if !ok {
		g.s.mu.Unlock()
		return "", "", data.ErrNotFound
	}
	from = sg.Status
	mutate(&sg)
	sg.UpdatedAt = time.Now()
	to = sg.Status
	g.s.songs[songID] = sg
	g.s.mu.Unlock()
	return from, to, nil
}

func (g *songStore) ClaimMetadata(_ context.Context, songID string) (bool, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	sg, ok := g.s.songs[songID]
	if !ok {
		return false, data.ErrNotFound
	}
	if sg.Status != data.StatusPending {
		return false, nil
	}
	sg.Status = data.StatusGeneratingMetadata
	sg.UpdatedAt = time.Now()
	g.s.songs[songID] = sg
	return true, nil
}

func (g *songStore) ClaimAudio(_ context.Context, songID string) (bool, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	sg, ok := g.s.songs[songID]
	if !ok {
		return false, data.ErrNotFound
	}
	if sg.Status != data.StatusMetadataReady {
		return false, nil
	}
	sg.Status = data.StatusSubmittingToAce
	sg.UpdatedAt = time.Now()
	g.s.songs[songID] = sg
	return true, nil
}

func (g *songStore) publishTransition(songID string, from, to data.SongStatus) {
	if from == to {
		return
	}
	g.s.mu.RLock()
	sg := g.s.songs[songID]
	g.s.mu.RUnlock()
	g.s.publish(data.Event{
		Kind: data.EventSongStatusChanged, PlaylistID: sg.PlaylistID, SongID: songID,
		From: string(from), To: string(to),
	})
}

func (g *songStore) CompleteMetadata(_ context.Context, songID string, md data.Metadata) error {
	from, to, err := g.transition(songID, func(sg *data.Song) {
		sg.Metadata = md
		sg.Status = data.StatusMetadataReady
	})
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, to)
	return nil
}

func (g *songStore) UpdateCover(_ context.Context, songID string, coverURL string) error {
	_, _, err := g.transition(songID, func(sg *data.Song) { sg.CoverURL = coverURL })
	return err
}

func (g *songStore) UpdateAceTask(_ context.Context, songID string, taskID string, submittedAt time.Time) error {
	from, to, err := g.transition(songID, func(sg *data.Song) {
		sg.AceTaskID = taskID
		sg.AceSubmittedAt = submittedAt
		sg.Status = data.StatusGeneratingAudio
	})
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, to)
	return nil
}

func (g *songStore) UpdateStoragePath(_ context.Context, songID string, audioURL string) error {
	from, to, err := g.transition(songID, func(sg *data.Song) {
		sg.AudioURL = audioURL
		sg.Status = data.StatusSaving
	})
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, to)
	return nil
}

func (g *songStore) UpdateAudioDuration(_ context.Context, songID string, d time.Duration) error {
	_, _, err := g.transition(songID, func(sg *data.Song) { sg.Metadata.AudioDuration = d })
	return err
}

func (g *songStore) MarkReady(_ context.Context, songID string) error {
	from, to, err := g.transition(songID, func(sg *data.Song) { sg.Status = data.StatusReady })
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, to)
	return nil
}

func (g *songStore) MarkError(_ context.Context, songID string, message string) error {
	from, to, err := g.transition(songID, func(sg *data.Song) {
		sg.Status = data.StatusError
		sg.ErrorMessage = message
	})
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, to)
	return nil
}

func (g *songStore) RetryErrored(_ context.Context, songID string) error {
	g.s.mu.RLock()
	sg, ok := g.s.songs[songID]
	g.s.mu.RUnlock()
	if !ok {
		return data.ErrNotFound
	}
	if sg.Status != data.StatusError {
		return nil
	}
	from, to, err := g.transition(songID, func(sg *data.Song) {
		sg.Status = data.StatusRetryPending
		sg.ErrorMessage = ""
	})
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, to)
	return nil
}

func (g *songStore) RevertTransient(_ context.Context, songID string, to data.SongStatus) error {
	from, newTo, err := g.transition(songID, func(sg *data.Song) { sg.Status = to })
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, newTo)
	return nil
}

func (g *songStore) UpdateStatus(_ context.Context, songID string, status data.SongStatus) error {
	from, to, err := g.transition(songID, func(sg *data.Song) { sg.Status = status })
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, to)
	return nil
}

func (g *songStore) MarkPlayed(_ context.Context, songID string) error {
	from, to, err := g.transition(songID, func(sg *data.Song) { sg.Status = data.StatusPlayed })
	if err != nil {
		return err
	}
	g.publishTransition(songID, from, to)
	return nil
}

func (g *songStore) GetInAudioPipeline(_ context.Context) ([]data.Song, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	var out []data.Song
	for _, sg := range g.s.songs {
		switch sg.Status {
		case data.StatusSubmittingToAce, data.StatusGeneratingAudio, data.StatusSaving:
			out = append(out, sg)
		}
	}
	return out, nil
}

func (g *songStore) GetNeedsPersona(_ context.Context, limit int) ([]data.Song, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	var out []data.Song
	for _, sg := range g.s.songs {
		if sg.Status == data.StatusReady && sg.PersonaExtract == "" {
			out = append(out, sg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (g *songStore) UpdatePersonaExtract(_ context.Context, songID string, persona string) error {
	_, _, err := g.transition(songID, func(sg *data.Song) { sg.PersonaExtract = persona })
	return err
}
