package usecase

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"channel-relay/internal/domain"
)

const (
	bufferSuffix   = ",\n"
	inputSeparator = ",\r\n"
)

var (
	// annotationPattern matches 【...】 spans, non-greedy, across newlines.
	annotationPattern = regexp.MustCompile(`(?s)【(.*?)】`)
	leadingMention    = regexp.MustCompile(`^<@!?(\d+)>`)
	newlineEscaper    = strings.NewReplacer("\n", `\n`, "\r", `\r`)
)

// stripSelfMention removes a leading <@id> or <@!id> mention of the bot and
// trims the remainder. Text without such a prefix is returned unchanged.
func stripSelfMention(text, selfID string) string {
	if selfID == "" {
		return text
	}
	for _, m := range []string{"<@" + selfID + ">", "<@!" + selfID + ">"} {
		if strings.HasPrefix(text, m) {
			return strings.TrimSpace(text[len(m):])
		}
	}
	return text
}

// splitLeadingMention reports whether text starts with a user mention and
// returns the trimmed text that follows it.
func splitLeadingMention(text string) (string, bool) {
	loc := leadingMention.FindStringIndex(text)
	if loc == nil {
		return text, false
	}
	return strings.TrimSpace(text[loc[1]:]), true
}

// extractAnnotations removes every 【...】 span from text and returns the
// remaining text together with the span contents in order.
func extractAnnotations(text string) (string, []string) {
	matches := annotationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	notes := make([]string, 0, len(matches))
	for _, m := range matches {
		notes = append(notes, m[1])
	}
	return annotationPattern.ReplaceAllString(text, ""), notes
}

// formatLine renders one message as "{author}: {text}". Blank text renders
// as the empty string so the message still occupies a buffer slot.
func formatLine(author, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return author + ": " + newlineEscaper.Replace(text)
}

func mergeInput(buffered []string, line string) string {
	parts := make([]string, 0, len(buffered)+1)
	parts = append(parts, buffered...)
	parts = append(parts, line)
	return strings.Join(parts, inputSeparator)
}

func configFilename(id domain.ConversationID) string {
	return fmt.Sprintf("%s_%s_config.txt", id.GuildID, id.ChannelKey())
}

func historyFilename(id domain.ConversationID) string {
	return fmt.Sprintf("chat_history_%s_%s.json", id.GuildID, id.ChannelKey())
}

func formatChannelList(ids []uint64) string {
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("<#%d>", id))
	}
	return strings.Join(lines, "\n")
}

func formatSnapshotList(list []domain.SnapshotInfo) string {
	lines := make([]string, 0, len(list))
	for _, s := range list {
		lines = append(lines, fmt.Sprintf("**%s**: %s", s.Name, s.Description))
	}
	return strings.Join(lines, "\n")
}

func formatTurn(t domain.Turn) string {
	text := t.Text()
	if text == "" {
		text = "(no content)"
	}
	return fmt.Sprintf("**%s**: %s", t.Role, text)
}

func formatMetadata(m domain.DispatchMetadata) string {
	return strings.Join([]string{
		"dispatch_id: " + m.ID,
		"conversation: " + m.ConversationID.String(),
		"model: " + m.Model,
		fmt.Sprintf("prompt_token_count: %d", m.Usage.PromptTokens),
		fmt.Sprintf("candidates_token_count: %d", m.Usage.CandidateTokens),
		fmt.Sprintf("total_token_count: %d", m.Usage.TotalTokens),
		"at: " + m.At.UTC().Format(time.RFC3339),
	}, "\n")
}
