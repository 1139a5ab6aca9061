package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "carat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserUpsertKeepsName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: "u1"}))
	require.NoError(t, s.UpdateUserName(ctx, "u1", "민수"))
	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: "u1"}))

	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "민수", got.DisplayName)
	assert.True(t, got.IsOnboarded())
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	cs, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, untitled, cs.Title)

	got, err := s.GetSession(ctx, cs.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)

	require.NoError(t, s.UpdateSessionTitle(ctx, cs.ID, "고양이 그려줘"))
	got, err = s.GetSession(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "고양이 그려줘", got.Title)

	missing, err := s.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListSessionsByOwnerNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Unix(1_700_000_000, 0)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "u2")
	require.NoError(t, err)

	_, err = s.SaveMessage(ctx, first.ID, domain.RoleUser, "hi")
	require.NoError(t, err)

	list, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestMessagesAndCascadeDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	cs, err := s.CreateSession(ctx, "u1")
	require.NoError(t, err)
	m1, err := s.SaveMessage(ctx, cs.ID, domain.RoleUser, "고양이 그려줘")
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, cs.ID, domain.RoleAssistant, "[image] /outputs/a.png | A cat")
	require.NoError(t, err)
	assert.NotZero(t, m1.ID)

	msgs, err := s.ListMessages(ctx, cs.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)

	require.NoError(t, s.DeleteSession(ctx, cs.ID))

	msgs, err = s.ListMessages(ctx, cs.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	got, err := s.GetSession(ctx, cs.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMissingSessionErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	assert.ErrorIs(t, s.DeleteSession(ctx, "nope"), ErrSessionNotFound)
	assert.ErrorIs(t, s.UpdateSessionTitle(ctx, "nope", "x"), ErrSessionNotFound)
	_, err := s.SaveMessage(ctx, "nope", domain.RoleUser, "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
