package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"channel-relay/internal/domain"
)

const (
	snapshotLabel = "!chatdata"

	msgUnrecognized = "!Unrecognized ! command."
	msgInternal     = "!Something went wrong while running the command."
)

// replies maps error reasons to the text shown in the channel.
var replies = map[string]string{
	"config_not_found":        "!No config file exists.",
	"config_read_failed":      "!Failed to read the config file.",
	"config_send_failed":      "!Failed to send the config file.",
	"config_delete_failed":    "!Failed to delete the config file.",
	"history_not_found":       "!No chat history found.",
	"history_send_failed":     "!Failed to send the chat history.",
	"reset_history_not_found": "!No chat history to reset.",
	"save_history_not_found":  "!No chat history to save.",
	"save_failed":             "!Failed to save the chat history.",
	"list_failed":             "!Failed to list saved chat history.",
	"load_usage":              "!Usage: `!load_chat <saved chat name>`",
	"snapshot_not_found":      "!The specified chat history was not found.",
	"load_failed":             "!Failed to restore the chat history.",
	"last_not_found":          "!No chat history.",
	"last_empty":              "!The history is empty.",
}

// CommandRouter runs the admin commands embedded in messages that mention
// the bot. Every command acts only on the invoking channel.
type CommandRouter struct {
	states     *stateRegistry
	store      ConversationStore
	channels   ChannelRegistry
	sender     Sender
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func newCommandRouter(states *stateRegistry, deps Dependencies, dispatcher *Dispatcher, logger *slog.Logger) *CommandRouter {
	return &CommandRouter{
		states:     states,
		store:      deps.Store,
		channels:   deps.Channels,
		sender:     deps.Sender,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Execute parses and runs one "!command [args]" text.
func (c *CommandRouter) Execute(ctx context.Context, id domain.ConversationID, text string) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "!"))
	if len(fields) == 0 {
		c.say(ctx, id, msgUnrecognized)
		return
	}
	name, args := fields[0], fields[1:]

	if name == "load_chat" {
		c.report(ctx, id, c.loadChat(ctx, id, args))
		return
	}
	if len(args) > 0 {
		c.say(ctx, id, msgUnrecognized)
		return
	}

	var err error
	switch name {
	case "check":
		c.say(ctx, id, "!Watching this channel.")
	case "list_channel":
		c.listChannel(ctx, id)
	case "send_config":
		err = c.sendConfig(ctx, id)
	case "reset_config":
		err = c.resetConfig(ctx, id)
	case "send_history":
		err = c.sendHistory(ctx, id)
	case "reset_chat":
		err = c.resetChat(ctx, id)
	case "save_chat":
		err = c.saveChat(ctx, id)
	case "list_chat":
		err = c.listChat(ctx, id)
	case "send_buffered":
		c.sendBuffered(ctx, id)
	case "reset_buffered":
		c.resetBuffered(ctx, id)
	case "send_last":
		err = c.sendLast(ctx, id)
	case "send_lastdata":
		c.sendLastData(ctx, id)
	default:
		c.say(ctx, id, msgUnrecognized)
	}
	c.report(ctx, id, err)
}

func (c *CommandRouter) listChannel(ctx context.Context, id domain.ConversationID) {
	ids := c.channels.Channels(id.GuildID)
	if len(ids) == 0 {
		c.say(ctx, id, "!No reply channels are configured for this server.")
		return
	}
	c.say(ctx, id, "!Reply channels:\n"+formatChannelList(ids))
}

func (c *CommandRouter) sendConfig(ctx context.Context, id domain.ConversationID) error {
	text, ok, err := c.store.ReadInstruction(ctx, id)
	if err != nil {
		return newError(ErrorIO, "config_read_failed", err)
	}
	if !ok {
		return newError(ErrorNotFound, "config_not_found", nil)
	}
	if err := c.sender.SendFile(ctx, id, "!Sending the config file.", configFilename(id), []byte(text)); err != nil {
		return newError(ErrorIO, "config_send_failed", err)
	}
	return nil
}

// resetConfig sends the current config as a backup, then deletes it.
func (c *CommandRouter) resetConfig(ctx context.Context, id domain.ConversationID) error {
	if err := c.sendConfig(ctx, id); err != nil {
		var uerr *Error
		if errors.As(err, &uerr) && uerr.Code == ErrorNotFound {
			return err
		}
		c.report(ctx, id, err)
	}
	if err := c.store.DeleteInstruction(ctx, id); err != nil {
		return newError(ErrorIO, "config_delete_failed", err)
	}
	c.say(ctx, id, "!Config file deleted.")
	return nil
}

// conversation returns a copy of the live transcript; the bool is false
// when the channel has no conversation or its autosave could not be read.
func (c *CommandRouter) conversation(ctx context.Context, id domain.ConversationID) (domain.Transcript, bool) {
	st := c.states.getOrCreate(id)
	if err := ensureRestored(ctx, st, id, c.store, c.logger); err != nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.transcript.Clone(), st.hasConversation
}

func (c *CommandRouter) sendTranscript(ctx context.Context, id domain.ConversationID, t domain.Transcript) error {
	data, err := domain.MarshalTranscript(t)
	if err != nil {
		return newError(ErrorInternal, "history_send_failed", err)
	}
	if err := c.sender.SendFile(ctx, id, "!Sending the chat history file.", historyFilename(id), data); err != nil {
		return newError(ErrorIO, "history_send_failed", err)
	}
	return nil
}

func (c *CommandRouter) sendHistory(ctx context.Context, id domain.ConversationID) error {
	t, ok := c.conversation(ctx, id)
	if !ok {
		return newError(ErrorNotFound, "history_not_found", nil)
	}
	return c.sendTranscript(ctx, id, t)
}

func (c *CommandRouter) resetChat(ctx context.Context, id domain.ConversationID) error {
	t, ok := c.conversation(ctx, id)
	if !ok {
		return newError(ErrorNotFound, "reset_history_not_found", nil)
	}
	c.report(ctx, id, c.sendTranscript(ctx, id, t))
	c.report(ctx, id, c.resetConfig(ctx, id))

	st := c.states.getOrCreate(id)
	st.mu.Lock()
	st.replaceConversation(nil, false)
	st.resetBuffer()
	st.mu.Unlock()

	if err := c.store.DeleteTranscript(ctx, id); err != nil {
		c.logger.Error("delete autosaved transcript failed", "conversation", id.String(), "err", err)
	}
	c.say(ctx, id, "!Chat history has been reset.")
	return nil
}

func (c *CommandRouter) saveChat(ctx context.Context, id domain.ConversationID) error {
	t, ok := c.conversation(ctx, id)
	if !ok {
		return newError(ErrorNotFound, "save_history_not_found", nil)
	}
	instruction, _, err := c.store.ReadInstruction(ctx, id)
	if err != nil {
		return newError(ErrorIO, "save_failed", err)
	}
	name, err := c.store.SaveSnapshot(ctx, id, t, instruction, snapshotLabel)
	if err != nil {
		return newError(ErrorIO, "save_failed", err)
	}
	c.logger.Info("snapshot saved", "conversation", id.String(), "snapshot", name)
	c.say(ctx, id, "!Chat history saved.")
	c.say(ctx, id, name)
	return nil
}

func (c *CommandRouter) listChat(ctx context.Context, id domain.ConversationID) error {
	list, err := c.store.ListSnapshots(ctx, id.GuildID)
	if err != nil {
		return newError(ErrorIO, "list_failed", err)
	}
	if len(list) == 0 {
		c.say(ctx, id, "!No saved chat history.")
		return nil
	}
	c.say(ctx, id, "!Saved chat history:\n"+formatSnapshotList(list))
	return nil
}

// loadChat replaces the channel's transcript and instruction with a saved
// snapshot. The current history and config are sent first as a backup.
func (c *CommandRouter) loadChat(ctx context.Context, id domain.ConversationID, args []string) error {
	if len(args) != 1 {
		return newError(ErrorMalformedCommand, "load_usage", nil)
	}
	name := args[0]

	if current, ok := c.conversation(ctx, id); ok {
		c.report(ctx, id, c.sendTranscript(ctx, id, current))
		c.report(ctx, id, c.sendConfig(ctx, id))
	}

	snap, ok, err := c.store.LoadSnapshot(ctx, id.GuildID, name)
	if err != nil {
		return newError(ErrorIO, "load_failed", err)
	}
	if !ok {
		return newError(ErrorNotFound, "snapshot_not_found", nil)
	}
	if err := c.store.WriteInstruction(ctx, id, snap.Instruction); err != nil {
		return newError(ErrorIO, "load_failed", err)
	}

	st := c.states.getOrCreate(id)
	st.mu.Lock()
	st.replaceConversation(snap.Transcript.Clone(), true)
	st.mu.Unlock()

	if err := c.store.SaveTranscript(ctx, id, snap.Transcript); err != nil {
		c.logger.Error("autosave restored transcript failed", "conversation", id.String(), "err", err)
	}
	c.logger.Info("snapshot restored", "conversation", id.String(), "snapshot", name)
	c.say(ctx, id, "!Restored chat history and config from "+name+".")
	return nil
}

func (c *CommandRouter) sendBuffered(ctx context.Context, id domain.ConversationID) {
	st := c.states.getOrCreate(id)
	st.mu.Lock()
	buffered := strings.Join(st.buffer, "")
	empty := len(st.buffer) == 0
	st.mu.Unlock()

	if empty {
		c.say(ctx, id, "!The buffer is empty.")
		return
	}
	c.say(ctx, id, "!Buffered messages:\n"+buffered)
}

func (c *CommandRouter) resetBuffered(ctx context.Context, id domain.ConversationID) {
	st := c.states.getOrCreate(id)
	st.mu.Lock()
	st.resetBuffer()
	st.mu.Unlock()
	c.say(ctx, id, "!Buffer cleared.")
}

func (c *CommandRouter) sendLast(ctx context.Context, id domain.ConversationID) error {
	t, ok := c.conversation(ctx, id)
	if !ok {
		return newError(ErrorNotFound, "last_not_found", nil)
	}
	last, ok := t.Last()
	if !ok {
		return newError(ErrorNotFound, "last_empty", nil)
	}
	c.say(ctx, id, "!Last message:\n"+formatTurn(last))
	return nil
}

func (c *CommandRouter) sendLastData(ctx context.Context, id domain.ConversationID) {
	meta := c.dispatcher.LastMetadata()
	if meta == nil {
		c.say(ctx, id, "!Nothing has been sent yet.")
		return
	}
	c.say(ctx, id, "!Metadata of the last dispatch:\n"+formatMetadata(*meta))
}

// report logs err and tells the channel what failed. A nil err is a no-op.
func (c *CommandRouter) report(ctx context.Context, id domain.ConversationID, err error) {
	if err == nil {
		return
	}
	var uerr *Error
	if !errors.As(err, &uerr) {
		c.logger.Error("command failed", "conversation", id.String(), "err", err)
		c.say(ctx, id, msgInternal)
		return
	}
	if uerr.Err != nil {
		c.logger.Error("command failed", "conversation", id.String(), "code", uerr.Code, "reason", uerr.Reason, "err", uerr.Err)
	}
	text, ok := replies[uerr.Reason]
	if !ok {
		text = msgInternal
	}
	c.say(ctx, id, text)
}

func (c *CommandRouter) say(ctx context.Context, id domain.ConversationID, text string) {
	if err := c.sender.SendText(ctx, id, text); err != nil {
		c.logger.Error("send message failed", "conversation", id.String(), "err", err)
	}
}
