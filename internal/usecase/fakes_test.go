package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"channel-relay/internal/domain"
)

const (
	botID   = "1000"
	otherID = "2000"
)

var (
	chanA = domain.ConversationID{GuildID: "g1", ChannelID: 11}
	chanB = domain.ConversationID{GuildID: "g1", ChannelID: 22}
)

type fakeBackend struct {
	mu          sync.Mutex
	requests    []domain.BackendRequest
	reply       string
	err         error
	panicMsg    string
	gate        chan struct{}
	started     chan struct{}
	inFlight    int
	maxInFlight int
}

func newFakeBackend(reply string) *fakeBackend {
	return &fakeBackend{reply: reply, started: make(chan struct{}, 16)}
}

func (b *fakeBackend) Send(ctx context.Context, req domain.BackendRequest) (domain.BackendReply, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	gate, reply, err, panicMsg := b.gate, b.reply, b.err, b.panicMsg
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	select {
	case b.started <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.BackendReply{}, ctx.Err()
		}
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if err != nil {
		return domain.BackendReply{}, err
	}
	return domain.BackendReply{
		Text:  reply,
		Model: "gemini-test",
		Usage: domain.Usage{PromptTokens: 3, CandidateTokens: 2, TotalTokens: 5},
	}, nil
}

func (b *fakeBackend) calls() []domain.BackendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.BackendRequest(nil), b.requests...)
}

func (b *fakeBackend) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

type sentMessage struct {
	id       domain.ConversationID
	text     string
	filename string
	data     []byte
}

type fakeSender struct {
	mu      sync.Mutex
	texts   []sentMessage
	files   []sentMessage
	typing  int
	sendErr error
}

func (s *fakeSender) SendText(_ context.Context, id domain.ConversationID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, sentMessage{id: id, text: text})
	return s.sendErr
}

func (s *fakeSender) SendFile(_ context.Context, id domain.ConversationID, caption, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, sentMessage{id: id, text: caption, filename: filename, data: append([]byte(nil), data...)})
	return s.sendErr
}

func (s *fakeSender) Typing(_ context.Context, _ domain.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

func (s *fakeSender) textsFor(id domain.ConversationID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.texts {
		if m.id == id {
			out = append(out, m.text)
		}
	}
	return out
}

func (s *fakeSender) filesFor(id domain.ConversationID) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.files {
		if m.id == id {
			out = append(out, m)
		}
	}
	return out
}

type fakeChannels struct {
	mu      sync.Mutex
	allowed map[domain.ConversationID]bool
}

func newFakeChannels(ids ...domain.ConversationID) *fakeChannels {
	c := &fakeChannels{allowed: map[domain.ConversationID]bool{}}
	for _, id := range ids {
		c.allowed[id] = true
	}
	return c
}

func (c *fakeChannels) IsAllowed(guildID string, channelID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowed[domain.ConversationID{GuildID: guildID, ChannelID: channelID}]
}

func (c *fakeChannels) Channels(guildID string) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint64
	for id := range c.allowed {
		if id.GuildID == guildID {
			out = append(out, id.ChannelID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *fakeChannels) remove(id domain.ConversationID) {
	c.mu.Lock()
	delete(c.allowed, id)
	c.mu.Unlock()
}

// memStore is an in-memory ConversationStore.
type memStore struct {
	mu           sync.Mutex
	instructions map[domain.ConversationID]string
	transcripts  map[domain.ConversationID]domain.Transcript
	snapshots    map[string]domain.Snapshot
	snapOrder    []string
	seq          int
	failWrites   bool
}

func newMemStore() *memStore {
	return &memStore{
		instructions: map[domain.ConversationID]string{},
		transcripts:  map[domain.ConversationID]domain.Transcript{},
		snapshots:    map[string]domain.Snapshot{},
	}
}

var errDiskFull = errors.New("disk full")

func (m *memStore) ReadInstruction(_ context.Context, id domain.ConversationID) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.instructions[id]
	return v, ok, nil
}

func (m *memStore) EnsureInstruction(_ context.Context, id domain.ConversationID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.instructions[id]
	if !ok {
		m.instructions[id] = ""
	}
	return v, nil
}

func (m *memStore) AppendInstruction(_ context.Context, id domain.ConversationID, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errDiskFull
	}
	for _, l := range lines {
		m.instructions[id] += l + "\n"
	}
	return nil
}

func (m *memStore) WriteInstruction(_ context.Context, id domain.ConversationID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errDiskFull
	}
	m.instructions[id] = text
	return nil
}

func (m *memStore) DeleteInstruction(_ context.Context, id domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errDiskFull
	}
	delete(m.instructions, id)
	return nil
}

func (m *memStore) LoadTranscript(_ context.Context, id domain.ConversationID) (domain.Transcript, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[id]
	return t.Clone(), ok, nil
}

func (m *memStore) SaveTranscript(_ context.Context, id domain.ConversationID, t domain.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[id] = t.Clone()
	return nil
}

func (m *memStore) DeleteTranscript(_ context.Context, id domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transcripts, id)
	return nil
}

func (m *memStore) SaveSnapshot(_ context.Context, id domain.ConversationID, t domain.Transcript, instruction, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return "", errDiskFull
	}
	m.seq++
	name := label + "_" + string(rune('0'+m.seq))
	m.snapshots[id.GuildID+"/"+name] = domain.Snapshot{Name: name, Transcript: t.Clone(), Instruction: instruction}
	m.snapOrder = append(m.snapOrder, id.GuildID+"/"+name)
	return name, nil
}

func (m *memStore) ListSnapshots(_ context.Context, guildID string) ([]domain.SnapshotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SnapshotInfo
	for _, key := range m.snapOrder {
		s := m.snapshots[key]
		if key == guildID+"/"+s.Name {
			out = append(out, domain.SnapshotInfo{Name: s.Name, Description: "saved"})
		}
	}
	return out, nil
}

func (m *memStore) LoadSnapshot(_ context.Context, guildID, name string) (domain.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[guildID+"/"+name]
	return s, ok, nil
}

func (m *memStore) instruction(id domain.ConversationID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instructions[id]
}

type testEnv struct {
	relay    *Relay
	backend  *fakeBackend
	store    *memStore
	sender   *fakeSender
	channels *fakeChannels
}

func newTestEnv(t *testing.T, backend *fakeBackend, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		backend:  backend,
		store:    newMemStore(),
		sender:   &fakeSender{},
		channels: newFakeChannels(chanA, chanB),
	}
	r, err := NewRelay(Dependencies{
		Backend:  backend,
		Store:    env.store,
		Channels: env.channels,
		Sender:   env.sender,
	}, opts)
	require.NoError(t, err)
	r.SetSelfID(botID)
	env.relay = r
	t.Cleanup(r.Wait)
	return env
}

// state returns a consistent copy of a channel's state.
func (e *testEnv) state(id domain.ConversationID) (buffer []string, busy bool, transcript domain.Transcript) {
	st := e.relay.states.getOrCreate(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.buffer...), st.busy, st.transcript.Clone()
}

func plain(id domain.ConversationID, author, text string) domain.Message {
	return domain.Message{ConversationID: id, AuthorID: "u-" + author, AuthorDisplayName: author, Text: text}
}

func mention(id domain.ConversationID, author, text string) domain.Message {
	m := plain(id, author, "<@"+botID+"> "+text)
	m.MentionedUserIDs = []string{botID}
	return m
}
