package queue

import (
	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
)

// ProviderLimits names the per-provider concurrency caps RefreshConcurrency
// applies.
type ProviderLimits struct {
	LLM   int
	Image int
}

// Set bundles the three endpoint queues behind one uniform contract: a
// single CancelSong reaches into all three, pending priorities on the LLM and
// image queues can be recomputed after an epoch bump (the audio queue's
// pending order is not updated), and concurrency can be retuned online.
type Set struct {
	LLM   *RequestQueue
	Image *RequestQueue
	Audio *AudioQueue
}

// NewSet wires up the three queues with their initial concurrency/polling
// settings and a shared metrics sink.
func NewSet(llmConcurrency, imageConcurrency int, audioCfg AudioQueueConfig, audioPoll PollFunc, metrics *observe.Metrics) *Set {
	return &Set{
		LLM:   NewRequestQueue("llm", llmConcurrency, metrics),
		Image: NewRequestQueue("image", imageConcurrency, metrics),
		Audio: NewAudioQueue(audioCfg, audioPoll, metrics),
	}
}

// CancelSong cancels songID's pending or active item across all three
// queues at once.
func (s *Set) CancelSong(songID string) {
	s.LLM.CancelSong(songID)
	s.Image.CancelSong(songID)
	s.Audio.CancelSong(songID)
}

// UpdatePendingPriority updates songID's priority if it is pending on the
// LLM or image queue, trying each in turn. An item pending on the audio
// queue keeps the priority it was enqueued with.
func (s *Set) UpdatePendingPriority(songID string, newPriority int) {
	s.LLM.UpdatePendingPriority(songID, newPriority)
	s.Image.UpdatePendingPriority(songID, newPriority)
}

// ResortPending re-sorts the LLM and image pending lists, used after an
// epoch bump recomputes many songs' priorities at once. The audio queue's
// pending list is not re-sorted.
func (s *Set) ResortPending() {
	s.LLM.ResortPending()
	s.Image.ResortPending()
}

// RefreshConcurrency applies new per-provider concurrency limits without
// dropping queued or in-flight work.
func (s *Set) RefreshConcurrency(limits ProviderLimits) {
	s.LLM.RefreshConcurrency(limits.LLM)
	s.Image.RefreshConcurrency(limits.Image)
	// Audio has no tunable concurrency — always exactly one active slot.
}

// Stop stops all three queues.
func (s *Set) Stop() {
	s.LLM.Stop()
	s.Image.Stop()
	s.Audio.Stop()
}
