package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"channel-relay/internal/domain"
)

// Backend is the generative model client.
type Backend interface {
	Send(ctx context.Context, req domain.BackendRequest) (domain.BackendReply, error)
}

// Sender posts into a channel on the chat platform.
type Sender interface {
	SendText(ctx context.Context, id domain.ConversationID, text string) error
	SendFile(ctx context.Context, id domain.ConversationID, caption, filename string, data []byte) error
	Typing(ctx context.Context, id domain.ConversationID) error
}

type ConversationStore interface {
	ReadInstruction(ctx context.Context, id domain.ConversationID) (string, bool, error)
	EnsureInstruction(ctx context.Context, id domain.ConversationID) (string, error)
	AppendInstruction(ctx context.Context, id domain.ConversationID, lines []string) error
	WriteInstruction(ctx context.Context, id domain.ConversationID, text string) error
	DeleteInstruction(ctx context.Context, id domain.ConversationID) error

	LoadTranscript(ctx context.Context, id domain.ConversationID) (domain.Transcript, bool, error)
	SaveTranscript(ctx context.Context, id domain.ConversationID, t domain.Transcript) error
	DeleteTranscript(ctx context.Context, id domain.ConversationID) error

	SaveSnapshot(ctx context.Context, id domain.ConversationID, t domain.Transcript, instruction, label string) (string, error)
	ListSnapshots(ctx context.Context, guildID string) ([]domain.SnapshotInfo, error)
	LoadSnapshot(ctx context.Context, guildID, name string) (domain.Snapshot, bool, error)
}

type ChannelRegistry interface {
	IsAllowed(guildID string, channelID uint64) bool
	Channels(guildID string) []uint64
}

// TurnArchive receives a copy of every completed dispatch. Optional.
type TurnArchive interface {
	RecordTurn(ctx context.Context, id domain.ConversationID, meta domain.DispatchMetadata, input, reply string) error
}

type Dependencies struct {
	Backend  Backend
	Store    ConversationStore
	Channels ChannelRegistry
	Sender   Sender
	Archive  TurnArchive
	Logger   *slog.Logger
}

// Options tunes the dispatcher. Zero MaxWorkers and BackendTimeout select
// defaults; a zero BotReplyDelay disables the delay.
type Options struct {
	MaxWorkers     int
	BotReplyDelay  time.Duration
	BackendTimeout time.Duration
}

// Relay is the per-message entry point: it filters, routes commands, and
// feeds plain messages through the aggregator and dispatcher.
type Relay struct {
	channels   ChannelRegistry
	logger     *slog.Logger
	states     *stateRegistry
	aggregator *Aggregator
	dispatcher *Dispatcher
	commands   *CommandRouter

	selfID atomic.Pointer[string]
}

func NewRelay(deps Dependencies, opts Options) (*Relay, error) {
	if deps.Backend == nil {
		return nil, errors.New("usecase: backend must not be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if deps.Channels == nil {
		return nil, errors.New("usecase: channel registry must not be nil")
	}
	if deps.Sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	states := newStateRegistry()
	dispatcher := newDispatcher(states, deps, opts, logger)
	return &Relay{
		channels:   deps.Channels,
		logger:     logger,
		states:     states,
		aggregator: newAggregator(states, deps.Store, logger),
		dispatcher: dispatcher,
		commands:   newCommandRouter(states, deps, dispatcher, logger),
	}, nil
}

// SetSelfID records the bot's own user ID once the platform session is ready.
func (r *Relay) SetSelfID(id string) {
	r.selfID.Store(&id)
}

func (r *Relay) self() string {
	if p := r.selfID.Load(); p != nil {
		return *p
	}
	return ""
}

// Wait blocks until all in-flight dispatches have finished.
func (r *Relay) Wait() {
	r.dispatcher.Wait()
}

// HandleMessage processes one inbound message. Dispatches run in the
// background on ctx; the call itself never blocks on the backend. Panics
// are recovered so one channel cannot stop ingestion for the others.
func (r *Relay) HandleMessage(ctx context.Context, msg domain.Message) (action Action) {
	id := msg.ConversationID
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handle message panicked", "conversation", id.String(), "panic", fmt.Sprint(rec))
			action = ActionIgnore
		}
	}()

	self := r.self()
	if self == "" || msg.AuthorID == self || id.GuildID == "" {
		return ActionIgnore
	}
	if !r.channels.IsAllowed(id.GuildID, id.ChannelID) {
		return ActionIgnore
	}

	mentionsBot := msg.Mentions(self)
	content := stripSelfMention(msg.Text, self)

	if strings.HasPrefix(content, "!") {
		if !mentionsBot {
			return ActionIgnore
		}
		r.commands.Execute(ctx, id, content)
		return ActionCommand
	}

	// Commands addressed to someone else are not ours to answer or buffer.
	if rest, ok := splitLeadingMention(content); ok {
		if strings.HasPrefix(rest, "!") {
			return ActionIgnore
		}
		content = rest
	}

	decision := r.aggregator.OnMessage(ctx, id, msg.AuthorDisplayName, content, mentionsBot)
	if decision.Action == ActionDispatch {
		r.dispatcher.schedule(ctx, dispatchJob{
			id:          id,
			input:       decision.Input,
			captured:    decision.captured,
			bufferEpoch: decision.bufferEpoch,
			botAuthor:   msg.IsBotAuthor,
		})
	}
	return decision.Action
}
