package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"channel-relay/internal/domain"
	"channel-relay/internal/usecase"
)

// MaxMessageLength is Discord's per-message content limit, in characters.
const MaxMessageLength = 2000

const (
	livenessCommand = "!neko"
	livenessReply   = "nyan"
)

// session is the subset of *discordgo.Session used for outbound traffic.
type session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSendWithMessage(channelID, content string, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type relay interface {
	HandleMessage(ctx context.Context, msg domain.Message) usecase.Action
	SetSelfID(id string)
}

// Intents are the gateway intents the relay needs to read guild messages.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

// NewSession creates a bot session that delivers events one at a time, in
// gateway order. Message order within a channel depends on it.
func NewSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("handler: discord token must not be empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("handler: create session: %w", err)
	}
	s.SyncEvents = true
	s.Identify.Intents = Intents
	return s, nil
}

// Sender posts relay output through a Discord session.
type Sender struct {
	s session
}

func NewSender(s session) (*Sender, error) {
	if s == nil {
		return nil, errors.New("handler: session must not be nil")
	}
	return &Sender{s: s}, nil
}

// SendText posts text, split into as many messages as the length limit needs.
func (d *Sender) SendText(ctx context.Context, id domain.ConversationID, text string) error {
	channelID := id.ChannelKey()
	for _, chunk := range splitMessage(text, MaxMessageLength) {
		if _, err := d.s.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("handler: send message to %s: %w", id.String(), err)
		}
	}
	return nil
}

func (d *Sender) SendFile(ctx context.Context, id domain.ConversationID, caption, filename string, data []byte) error {
	_, err := d.s.ChannelFileSendWithMessage(id.ChannelKey(), caption, filename, bytes.NewReader(data), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("handler: send file %q to %s: %w", filename, id.String(), err)
	}
	return nil
}

func (d *Sender) Typing(ctx context.Context, id domain.ConversationID) error {
	if err := d.s.ChannelTyping(id.ChannelKey(), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("handler: typing in %s: %w", id.String(), err)
	}
	return nil
}

// splitMessage cuts text into pieces of at most limit runes, preferring to
// break after a newline.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// Handler translates gateway events into relay calls.
type Handler struct {
	ctx    context.Context
	relay  relay
	sender *Sender
	logger *slog.Logger
}

// NewHandler builds a Handler. ctx is handed to every HandleMessage call and
// so outlives individual events.
func NewHandler(ctx context.Context, r relay, sender *Sender, logger *slog.Logger) (*Handler, error) {
	if r == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if sender == nil {
		return nil, errors.New("handler: sender must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ctx: ctx, relay: r, sender: sender, logger: logger}, nil
}

func (h *Handler) OnReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	h.relay.SetSelfID(r.User.ID)
	guilds := make([]string, 0, len(r.Guilds))
	for _, g := range r.Guilds {
		guilds = append(guilds, g.ID)
	}
	h.logger.Info("discord session ready", "user", r.User.Username, "id", r.User.ID, "guilds", guilds)
}

func (h *Handler) OnMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Content == livenessCommand {
		h.replyToLiveness(m.Message)
		return
	}
	msg, ok := toDomainMessage(m.Message)
	if !ok {
		return
	}

	action := h.relay.HandleMessage(h.ctx, msg)
	h.logger.Debug("message handled", "conversation", msg.ConversationID.String(), "action", action.String())
}

// replyToLiveness answers the liveness check from any author in any channel,
// direct messages included.
func (h *Handler) replyToLiveness(m *discordgo.Message) {
	channelID, err := strconv.ParseUint(m.ChannelID, 10, 64)
	if err != nil {
		return
	}
	id := domain.ConversationID{GuildID: m.GuildID, ChannelID: channelID}
	if err := h.sender.SendText(h.ctx, id, livenessReply); err != nil {
		h.logger.Warn("liveness reply failed", "channel", m.ChannelID, "err", err)
	}
}

// toDomainMessage reports false for messages outside a guild text channel.
func toDomainMessage(m *discordgo.Message) (domain.Message, bool) {
	if m.GuildID == "" {
		return domain.Message{}, false
	}
	channelID, err := strconv.ParseUint(m.ChannelID, 10, 64)
	if err != nil {
		return domain.Message{}, false
	}
	mentioned := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		if u != nil {
			mentioned = append(mentioned, u.ID)
		}
	}
	return domain.Message{
		ConversationID:    domain.ConversationID{GuildID: m.GuildID, ChannelID: channelID},
		AuthorID:          m.Author.ID,
		AuthorDisplayName: displayName(m),
		Text:              m.Content,
		MentionedUserIDs:  mentioned,
		IsBotAuthor:       m.Author.Bot,
	}, true
}

// displayName follows the guild nickname, then global name, then username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
