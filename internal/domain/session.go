package domain

import (
	"time"
	"unicode/utf8"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const titleMaxRunes = 40

// ChatSession is one persisted conversation.
type ChatSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is a persisted chat message entry.
type StoredMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TitleFromMessage derives a session title from the first user message.
func TitleFromMessage(text string) string {
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:titleMaxRunes]) + "..."
}

// RecentMessages returns the last n messages.
func RecentMessages(history []StoredMessage, n int) []StoredMessage {
	if n >= len(history) {
		return history
	}
	return history[len(history)-n:]
}
