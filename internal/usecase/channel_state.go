package usecase

import (
	"context"
	"log/slog"
	"sync"

	"channel-relay/internal/domain"
)

// channelState is the in-memory state of one channel. All fields are guarded
// by mu. busy is true iff a backend call is in flight for the channel.
type channelState struct {
	mu sync.Mutex

	buffer []string
	busy   bool

	// hasConversation mirrors "a live conversation exists"; transcript may
	// still be empty when it is true.
	hasConversation bool
	transcript      domain.Transcript
	restored        bool

	// Epochs are bumped by resets so an in-flight dispatch does not undo them
	// when it completes.
	bufferEpoch     uint64
	transcriptEpoch uint64
}

// dropSent removes the first n buffered entries.
func (s *channelState) dropSent(n int) {
	if n > len(s.buffer) {
		n = len(s.buffer)
	}
	s.buffer = append([]string(nil), s.buffer[n:]...)
}

func (s *channelState) resetBuffer() {
	s.buffer = nil
	s.bufferEpoch++
}

func (s *channelState) replaceConversation(t domain.Transcript, exists bool) {
	s.transcript = t
	s.hasConversation = exists
	s.restored = true
	s.transcriptEpoch++
}

// stateRegistry owns every channelState, indexed by conversation. Entries are
// created on first use and never removed.
type stateRegistry struct {
	mu      sync.Mutex
	entries map[domain.ConversationID]*channelState
}

func newStateRegistry() *stateRegistry {
	return &stateRegistry{entries: make(map[domain.ConversationID]*channelState)}
}

func (r *stateRegistry) getOrCreate(id domain.ConversationID) *channelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.entries[id]
	if !ok {
		st = &channelState{}
		r.entries[id] = st
	}
	return st
}

// transcriptLoader is the subset of ConversationStore used to restore an
// autosaved transcript.
type transcriptLoader interface {
	LoadTranscript(ctx context.Context, id domain.ConversationID) (domain.Transcript, bool, error)
}

// ensureRestored loads the autosaved transcript into st the first time the
// channel's conversation is needed after process start. The file read
// happens outside the lock; a concurrent reset or load wins. On error the
// channel stays unrestored so nothing overwrites the autosave file.
func ensureRestored(ctx context.Context, st *channelState, id domain.ConversationID, loader transcriptLoader, logger *slog.Logger) error {
	st.mu.Lock()
	done := st.restored
	epoch := st.transcriptEpoch
	st.mu.Unlock()
	if done {
		return nil
	}

	t, ok, err := loader.LoadTranscript(ctx, id)
	if err != nil {
		logger.Warn("restore transcript failed", "conversation", id.String(), "err", err)
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.restored || st.transcriptEpoch != epoch {
		return nil
	}
	st.restored = true
	if ok {
		st.transcript = t
		st.hasConversation = true
	}
	return nil
}
