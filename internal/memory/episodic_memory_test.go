package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartAndCompleteEpisode(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	episodes := NewEpisodicMemory(store)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	ep, err := episodes.StartEpisode(ctx, sess.ID, "investigate bug", Metadata{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, EpisodeActive, ep.Status)
	require.Nil(t, ep.EndTime)

	done, err := episodes.CompleteEpisode(ctx, ep.ID, "fixed it", Metadata{"resolution": "patched"})
	require.NoError(t, err)
	require.Equal(t, EpisodeCompleted, done.Status)
	require.NotNil(t, done.EndTime)
	require.Equal(t, "fixed it", done.Summary)
	require.Equal(t, "v", done.Metadata.String("k"))
	require.Equal(t, "patched", done.Metadata.String("resolution"))
}

func TestCompleteEpisodeMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	episodes := NewEpisodicMemory(store)

	_, err := episodes.CompleteEpisode(context.Background(), "missing", "x", nil)
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestGetSessionEpisodesOrdersByStartTimeDescending(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	episodes := NewEpisodicMemory(store)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	_, err = episodes.StartEpisode(ctx, sess.ID, "first", nil)
	require.NoError(t, err)
	_, err = episodes.StartEpisode(ctx, sess.ID, "second", nil)
	require.NoError(t, err)

	list, err := episodes.GetSessionEpisodes(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "second", list[0].Name)
	require.Equal(t, "first", list[1].Name)
}

func TestGetRecentEpisodesOnlyReturnsCompleted(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	episodes := NewEpisodicMemory(store)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)

	active, err := episodes.StartEpisode(ctx, sess.ID, "active one", nil)
	require.NoError(t, err)
	completed, err := episodes.StartEpisode(ctx, sess.ID, "done one", nil)
	require.NoError(t, err)
	_, err = episodes.CompleteEpisode(ctx, completed.ID, "summary", nil)
	require.NoError(t, err)

	recent, err := episodes.GetRecentEpisodes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, completed.ID, recent[0].ID)
	require.NotEqual(t, active.ID, recent[0].ID)
}
