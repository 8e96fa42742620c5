package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newSession(name string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess := newSession("demo")
	require.NoError(t, st.CreateSession(ctx, sess))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)
	require.Equal(t, "demo", got.Name)
	require.Equal(t, StatusIdle, got.Status)
	require.Empty(t, got.Messages)
}

func TestGetSession_NotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetSession(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions_MostRecentFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := newSession("first")
	require.NoError(t, st.CreateSession(ctx, first))

	second := newSession("second")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.UpdatedAt = second.CreatedAt
	require.NoError(t, st.CreateSession(ctx, second))

	sums, err := st.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	require.Equal(t, "second", sums[0].Name)
	require.Equal(t, "first", sums[1].Name)
}

func TestListSessions_CountsMessages(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess := newSession("demo")
	require.NoError(t, st.CreateSession(ctx, sess))
	for range 3 {
		_, err := st.AppendMessage(ctx, sess.ID, MessageFields{Role: RoleUser, Kind: KindText, Content: "hi"})
		require.NoError(t, err)
	}

	sums, err := st.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, 3, sums[0].MessageCount)
}

func TestAppendMessage_OrderAndIDs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess := newSession("demo")
	require.NoError(t, st.CreateSession(ctx, sess))

	for _, content := range []string{"a", "b", "c"} {
		_, err := st.AppendMessage(ctx, sess.ID, MessageFields{Role: RoleUser, Kind: KindText, Content: content})
		require.NoError(t, err)
	}

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "a", msgs[0].Content)
	require.Equal(t, "b", msgs[1].Content)
	require.Equal(t, "c", msgs[2].Content)
	require.Less(t, msgs[0].ID, msgs[1].ID)
	require.Less(t, msgs[1].ID, msgs[2].ID)
}

func TestAppendMessage_UnknownSession(t *testing.T) {
	st := openTestStore(t)
	_, err := st.AppendMessage(context.Background(), "nonexistent", MessageFields{Role: RoleUser, Kind: KindText, Content: "hi"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_OptionalFields(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess := newSession("demo")
	require.NoError(t, st.CreateSession(ctx, sess))

	tool := "screenshot"
	errText := "tool failed"
	_, err := st.AppendMessage(ctx, sess.ID, MessageFields{
		Role:     RoleTool,
		Kind:     KindToolResult,
		Content:  "output",
		ToolName: &tool,
		Error:    &errText,
	})
	require.NoError(t, err)

	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ToolName)
	require.Equal(t, "screenshot", *msgs[0].ToolName)
	require.NotNil(t, msgs[0].Error)
	require.Equal(t, "tool failed", *msgs[0].Error)
	require.Nil(t, msgs[0].Screenshot)
}

func TestAppendMessage_BumpsUpdatedAt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess := newSession("demo")
	sess.UpdatedAt = sess.UpdatedAt.Add(-time.Hour)
	sess.CreatedAt = sess.UpdatedAt
	require.NoError(t, st.CreateSession(ctx, sess))

	_, err := st.AppendMessage(ctx, sess.ID, MessageFields{Role: RoleUser, Kind: KindText, Content: "hi"})
	require.NoError(t, err)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, got.UpdatedAt.After(sess.UpdatedAt), "updated_at should advance on append")
}

func TestUpdatedAt_NeverMovesBackwards(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// A session stamped in the future must keep its updated_at.
	sess := newSession("demo")
	sess.UpdatedAt = sess.UpdatedAt.Add(time.Hour)
	require.NoError(t, st.CreateSession(ctx, sess))

	require.NoError(t, st.UpdateSessionStatus(ctx, sess.ID, StatusRunning))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
	require.False(t, got.UpdatedAt.Before(sess.UpdatedAt), "updated_at moved backwards")
}

func TestUpdateSessionStatus_NotFound(t *testing.T) {
	st := openTestStore(t)
	err := st.UpdateSessionStatus(context.Background(), "nonexistent", StatusRunning)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSession_CascadesMessages(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess := newSession("demo")
	require.NoError(t, st.CreateSession(ctx, sess))
	for range 2 {
		_, err := st.AppendMessage(ctx, sess.ID, MessageFields{Role: RoleUser, Kind: KindText, Content: "hi"})
		require.NoError(t, err)
	}

	require.NoError(t, st.DeleteSession(ctx, sess.ID))

	_, err := st.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// No orphan messages remain queryable.
	msgs, err := st.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDeleteSession_NotFound(t *testing.T) {
	st := openTestStore(t)
	err := st.DeleteSession(context.Background(), "nonexistent")
	require.True(t, errors.Is(err, ErrNotFound))
}
