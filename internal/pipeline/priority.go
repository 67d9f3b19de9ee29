package pipeline

import "github.com/beastyrabbit/infinitune-sub001/internal/data"

// staleEpochPenalty is added to a song's priority when its promptEpoch has
// fallen behind the playlist's current epoch — deprioritized, never dropped
// from the queues (the supervisor deletes stale pending songs outright;
// anything already past pending rides out to completion at low priority).
const staleEpochPenalty = 1000

// Priority computes an endpoint queue priority for song within playlist,
// ordered: interrupts first, then by how close the
// song is to being consumed, with closing playlists nudged ahead and stale
// epochs pushed to the back.
func Priority(song data.Song, playlist data.Playlist) int {
	if song.IsInterrupt {
		return 0
	}

	gap := song.OrderIndex - playlist.CurrentOrderIndex
	if gap < 0 {
		gap = 0
	}
	p := 1 + gap

	if playlist.Status == data.PlaylistClosing {
		p = p/2 + 1
	}
	if song.PromptEpoch != playlist.PromptEpoch {
		p += staleEpochPenalty
	}
	return p
}
