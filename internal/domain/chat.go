package domain

import "time"

// Message is the platform-agnostic shape of an inbound chat message.
type Message struct {
	ConversationID    ConversationID
	AuthorID          string
	AuthorDisplayName string
	Text              string
	MentionedUserIDs  []string
	IsBotAuthor       bool
}

// Mentions reports whether userID is among the message's mentioned users.
func (m Message) Mentions(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range m.MentionedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// BackendRequest is one model call: prior turns plus the merged input.
type BackendRequest struct {
	Instruction string
	History     Transcript
	Input       string
}

// Usage carries token accounting reported by the backend.
type Usage struct {
	PromptTokens    int
	CandidateTokens int
	TotalTokens     int
}

type BackendReply struct {
	Text  string
	Model string
	Usage Usage
}

// DispatchMetadata describes the most recent successful dispatch.
type DispatchMetadata struct {
	ID             string
	ConversationID ConversationID
	Model          string
	Usage          Usage
	At             time.Time
}
