// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/carat-studio/internal/domain"
)

// ErrSessionNotFound is returned by operations addressing a missing chat session.
var ErrSessionNotFound = errors.New("chat session not found")

// Repository persists users, chat sessions and their messages.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates a user or refreshes its last_seen_at.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateUserName stores the name captured during onboarding.
	UpdateUserName(ctx context.Context, userID, name string) error

	// CreateSession starts a new chat session owned by userID.
	CreateSession(ctx context.Context, userID string) (*domain.ChatSession, error)

	// GetSession retrieves a chat session. It returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error)

	// ListSessions returns the sessions of userID, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error)

	// UpdateSessionTitle renames a session.
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error

	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// SaveMessage appends a message and touches the session's updated_at.
	SaveMessage(ctx context.Context, sessionID, role, content string) (*domain.StoredMessage, error)

	// ListMessages returns a session's messages in insertion order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
