// Package session keeps the in-memory conversational state of each chat
// session and serializes turns per session.
package session

import (
	"time"

	"github.com/ashureev/carat-studio/internal/domain"
)

// Pending is the single outstanding clarification of a session.
type Pending struct {
	Intent domain.Intent
	Slots  domain.Slots
	// Asked is set once the clarifying question has been sent. A second
	// question for the same task is never allowed.
	Asked       bool
	AskedFor    []domain.SlotName
	CreatedAt   time.Time
	SourceImage string
	Mask        []byte
	Instruction string
}

// Context is the state the orchestrator reads and writes for a session.
type Context struct {
	SessionID string
	UserID    string
	UserName  string
	Greeted   bool
	NameAsked bool
	// NameAskOwed is set when onboarding was deferred by an image request.
	NameAskOwed bool

	State    domain.DialogState
	Pending  *Pending
	LastTask *domain.Task
	// LastImage is the most recent image of the conversation, uploaded or
	// generated. Edits without an attachment apply to it.
	LastImage string

	Turns     int
	UpdatedAt time.Time
}

// HasPending reports whether a clarification is outstanding.
func (c *Context) HasPending() bool {
	return c.Pending != nil && c.State == domain.StateAwaitingClarification
}

// Reset drops any pending clarification and returns to IDLE. LastTask is kept.
func (c *Context) Reset() {
	c.State = domain.StateIdle
	c.Pending = nil
}
