package usecase

import (
	"context"
	"log/slog"

	"channel-relay/internal/domain"
)

type Action int

const (
	ActionIgnore Action = iota
	ActionBuffer
	ActionDispatch
	ActionCommand
)

func (a Action) String() string {
	switch a {
	case ActionBuffer:
		return "buffer"
	case ActionDispatch:
		return "dispatch"
	case ActionCommand:
		return "command"
	default:
		return "ignore"
	}
}

// Decision is the aggregator's verdict for one message. For ActionDispatch,
// Input holds the merged buffer plus the new line.
type Decision struct {
	Action Action
	Input  string

	captured    int
	bufferEpoch uint64
}

type instructionAppender interface {
	AppendInstruction(ctx context.Context, id domain.ConversationID, lines []string) error
}

// Aggregator decides, per message, whether to buffer it or start a dispatch.
type Aggregator struct {
	states *stateRegistry
	store  instructionAppender
	logger *slog.Logger
}

func newAggregator(states *stateRegistry, store instructionAppender, logger *slog.Logger) *Aggregator {
	return &Aggregator{states: states, store: store, logger: logger}
}

// OnMessage handles one plain (non-command) message. Annotations are always
// stripped from the text but only persisted when the bot is mentioned.
func (a *Aggregator) OnMessage(ctx context.Context, id domain.ConversationID, author, text string, mentionsBot bool) Decision {
	visible, notes := extractAnnotations(text)
	if len(notes) > 0 && mentionsBot {
		if err := a.store.AppendInstruction(ctx, id, notes); err != nil {
			a.logger.Error("append instruction failed", "conversation", id.String(), "err", err)
		}
	}
	line := formatLine(author, visible)

	st := a.states.getOrCreate(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !mentionsBot || st.busy {
		st.buffer = append(st.buffer, line+bufferSuffix)
		return Decision{Action: ActionBuffer}
	}

	st.busy = true
	return Decision{
		Action:      ActionDispatch,
		Input:       mergeInput(st.buffer, line),
		captured:    len(st.buffer),
		bufferEpoch: st.bufferEpoch,
	}
}
