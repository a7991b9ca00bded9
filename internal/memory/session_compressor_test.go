package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressInsertsEpochWithAnchorsMetadata(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	compressor := NewSessionCompressor(store)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	m1, err := sessions.AddMessage(ctx, sess.ID, RoleUser, "a", nil)
	require.NoError(t, err)
	m2, err := sessions.AddMessage(ctx, sess.ID, RoleAssistant, "b", nil)
	require.NoError(t, err)

	ep, err := compressor.Compress(ctx, sess.ID, "summary text", m1.ID, m2.ID, []string{m1.ID}, nil)
	require.NoError(t, err)
	require.Equal(t, "summary text", ep.Summary)

	got, ok := ep.Metadata["anchors"]
	require.True(t, ok)
	require.NotNil(t, got)
}

func TestSemanticPruningKeepsAnchoredMessages(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	compressor := NewSessionCompressor(store)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	anchored, err := sessions.AddMessage(ctx, sess.ID, RoleUser, "keep me", nil)
	require.NoError(t, err)
	_, err = sessions.MarkMessageAsAnchor(ctx, anchored.ID)
	require.NoError(t, err)
	_, err = sessions.AddMessage(ctx, sess.ID, RoleUser, "drop me", nil)
	require.NoError(t, err)

	deleted, err := compressor.SemanticPruning(ctx, sess.ID, true)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	remaining, err := sessions.GetHistory(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, anchored.ID, remaining[0].ID)
}

func TestConsolidateEpochsIntoEraFiresAboveThreshold(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	compressor := NewSessionCompressor(store)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	for i := 0; i < eraConsolidationThreshold+1; i++ {
		_, err := compressor.Compress(ctx, sess.ID, "epoch", "", "", nil, nil)
		require.NoError(t, err)
	}

	require.NoError(t, compressor.ConsolidateEpochsIntoEra(ctx, sess.ID))

	epochs, err := compressor.GetEpochs(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, epochs, 1)
	require.True(t, epochs[0].IsEra())

	history, err := sessions.GetHistory(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].Anchor())
}

func TestConsolidateEpochsIntoEraNoopBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessionStore(store, nil)
	compressor := NewSessionCompressor(store)
	ctx := context.Background()

	sess, err := sessions.CreateSession(ctx, "s", nil)
	require.NoError(t, err)
	_, err = compressor.Compress(ctx, sess.ID, "epoch", "", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, compressor.ConsolidateEpochsIntoEra(ctx, sess.ID))

	epochs, err := compressor.GetEpochs(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, epochs, 1)
	require.False(t, epochs[0].IsEra())
}
