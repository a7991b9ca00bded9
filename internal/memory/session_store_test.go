package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	defaultEventuallyTimeout = 200 * time.Millisecond
	defaultEventuallyTick    = 5 * time.Millisecond
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type capturedEvent struct {
	scope     string
	eventType string
	message   string
	metadata  map[string]any
}

type fakeTelemetry struct {
	events []capturedEvent
}

func (f *fakeTelemetry) Track(_ context.Context, scope, eventType, message string, metadata map[string]any) {
	f.events = append(f.events, capturedEvent{scope: scope, eventType: eventType, message: message, metadata: metadata})
}

func TestCreateAndGetSession(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "test session", Metadata{"tag": "x"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, SessionActive, sess.Status)

	got, ok, err := sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sess.ID, got.ID)
	require.Equal(t, "x", got.Metadata.String("tag"))
}

func TestGetSessionMissingReturnsFalse(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)

	_, ok, err := sessions.GetSession(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArchiveSessionMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)

	_, err := sessions.ArchiveSession(context.Background(), "missing")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDeleteSessionCascades(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	_, err = sessions.AddMessage(ctx, sess.ID, RoleUser, "hi", nil)
	require.NoError(t, err)

	require.NoError(t, sessions.DeleteSession(ctx, sess.ID))

	_, ok, err := sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)

	history, err := sessions.GetHistory(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestAddMessageUnknownSessionFails(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)

	_, err := sessions.AddMessage(context.Background(), "missing", RoleUser, "hi", nil)
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestGetHistoryClampsLimit(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := sessions.AddMessage(ctx, sess.ID, RoleUser, "m", nil)
		require.NoError(t, err)
	}

	history, err := sessions.GetHistory(ctx, sess.ID, -1)
	require.NoError(t, err)
	require.Len(t, history, 5)

	history, err = sessions.GetHistory(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestUpsertGoalInsertsThenUpdatesAndEmitsPivotOnce(t *testing.T) {
	store := newTestStore(t)
	telemetry := &fakeTelemetry{}
	sessions := NewSessionStore(store, telemetry)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	goal, err := sessions.UpsertGoal(ctx, sess.ID, "ship feature", GoalUpdate{Status: GoalInProgress, Priority: 3})
	require.NoError(t, err)
	require.Equal(t, GoalInProgress, goal.Status)
	require.Len(t, telemetry.events, 1)
	require.Equal(t, "pivot", telemetry.events[0].eventType)

	updated, err := sessions.UpsertGoal(ctx, sess.ID, "ship feature", GoalUpdate{Status: GoalCompleted, Priority: 5})
	require.NoError(t, err)
	require.Equal(t, goal.ID, updated.ID)
	require.Equal(t, GoalCompleted, updated.Status)
	// No second pivot event for an update, only for the initial insert.
	require.Len(t, telemetry.events, 1)
}

func TestUpsertGoalMergesMetadataRatherThanReplacing(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	_, err = sessions.UpsertGoal(ctx, sess.ID, "goal", GoalUpdate{Metadata: Metadata{"a": "1"}})
	require.NoError(t, err)
	merged, err := sessions.UpsertGoal(ctx, sess.ID, "goal", GoalUpdate{Metadata: Metadata{"b": "2"}})
	require.NoError(t, err)

	require.Equal(t, "1", merged.Metadata.String("a"))
	require.Equal(t, "2", merged.Metadata.String("b"))
}

func TestGetGoalsFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	_, err = sessions.UpsertGoal(ctx, sess.ID, "g1", GoalUpdate{Status: GoalPending, Priority: 1})
	require.NoError(t, err)
	_, err = sessions.UpsertGoal(ctx, sess.ID, "g2", GoalUpdate{Status: GoalCompleted, Priority: 2})
	require.NoError(t, err)

	pending, err := sessions.GetGoals(ctx, sess.ID, GoalPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	all, err := sessions.GetGoals(ctx, sess.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMarkMessageAsAnchorMergesMetadata(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	msg, err := sessions.AddMessage(ctx, sess.ID, RoleUser, "hi", Metadata{"k": "v"})
	require.NoError(t, err)
	require.False(t, msg.Anchor())

	anchored, err := sessions.MarkMessageAsAnchor(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, anchored.Anchor())
	require.Equal(t, "v", anchored.Metadata.String("k"))
}

func TestClearHistoryDeletesMessages(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	_, err = sessions.AddMessage(ctx, sess.ID, RoleUser, "hi", nil)
	require.NoError(t, err)

	n, err := sessions.ClearHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	history, err := sessions.GetHistory(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}
