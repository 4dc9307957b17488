package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ConversationID identifies one channel's conversation thread.
type ConversationID struct {
	GuildID   string
	ChannelID uint64
}

func (id ConversationID) String() string {
	return id.GuildID + "/" + strconv.FormatUint(id.ChannelID, 10)
}

// ChannelKey returns the channel ID in the platform's string form.
func (id ConversationID) ChannelKey() string {
	return strconv.FormatUint(id.ChannelID, 10)
}

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is a single transcript entry exchanged with the backend.
type Turn struct {
	Role  Role     `json:"role"`
	Parts []string `json:"parts"`
}

// Text joins the turn's parts with newlines.
func (t Turn) Text() string {
	var b bytes.Buffer
	for i, p := range t.Parts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p)
	}
	return b.String()
}

// UnmarshalJSON accepts parts written either as bare strings or as
// {"text": "..."} objects.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role  Role              `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parts := make([]string, 0, len(raw.Parts))
	for i, p := range raw.Parts {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			parts = append(parts, s)
			continue
		}
		var obj struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(p, &obj); err != nil {
			return fmt.Errorf("domain: decode part %d: %w", i, err)
		}
		if obj.Text == nil {
			return fmt.Errorf("domain: part %d has no text", i)
		}
		parts = append(parts, *obj.Text)
	}
	t.Role = raw.Role
	t.Parts = parts
	return nil
}

// Transcript is the ordered turn history of a conversation.
type Transcript []Turn

// Clone returns a copy that shares no slices with t.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	for i, turn := range t {
		out[i] = Turn{Role: turn.Role, Parts: append([]string(nil), turn.Parts...)}
	}
	return out
}

// Last returns the final turn, if any.
func (t Transcript) Last() (Turn, bool) {
	if len(t) == 0 {
		return Turn{}, false
	}
	return t[len(t)-1], true
}

// MarshalTranscript encodes t as a compact JSON array without HTML escaping.
func MarshalTranscript(t Transcript) ([]byte, error) {
	if t == nil {
		t = Transcript{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("domain: encode transcript: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalTranscript decodes a JSON array of {role, parts} objects.
func UnmarshalTranscript(data []byte) (Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("domain: decode transcript: %w", err)
	}
	for i, turn := range t {
		if turn.Role == "" {
			return nil, errors.New("domain: decode transcript: turn " + strconv.Itoa(i) + " has no role")
		}
	}
	return t, nil
}

// Snapshot is a saved transcript together with the instruction text that was
// active when it was taken.
type Snapshot struct {
	Name        string
	Transcript  Transcript
	Instruction string
}

// SnapshotInfo describes a saved snapshot in listings.
type SnapshotInfo struct {
	Name        string
	Description string
}
