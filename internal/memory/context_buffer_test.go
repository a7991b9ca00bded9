package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewContextBufferAppliesDefaults(t *testing.T) {
	b := NewContextBuffer(0, -1)
	stats := b.GetUsageStats()
	require.Equal(t, defaultMaxMessages, stats.MaxMessages)
	require.Equal(t, defaultMaxTokens, stats.MaxTokens)
}

func TestContextBufferAddMessageAndGetWindow(t *testing.T) {
	b := NewContextBuffer(10, 4000)
	b.AddMessage(Message{Role: RoleUser, Content: "hello"})
	b.AddMessage(Message{Role: RoleAssistant, Content: "world"})

	window := b.GetWindow(WindowOptions{})
	require.Len(t, window, 2)
	require.Equal(t, "hello", window[0].Content)
	require.Equal(t, "world", window[1].Content)
}

func TestContextBufferKeepsLeadingSystemMessagePinned(t *testing.T) {
	b := NewContextBuffer(10, 4000)
	b.AddMessage(Message{Role: RoleSystem, Content: "system prompt"})
	for i := 0; i < 3; i++ {
		b.AddMessage(Message{Role: RoleUser, Content: "msg"})
	}

	window := b.GetWindow(WindowOptions{MaxMessages: 2})
	require.NotEmpty(t, window)
	require.Equal(t, RoleSystem, window[0].Role)
}

func TestContextBufferGetWindowRespectsTokenBudget(t *testing.T) {
	b := NewContextBuffer(10, 4000)
	big := make([]byte, 4000)
	for i := range big {
		big[i] = 'x'
	}
	b.AddMessage(Message{Role: RoleUser, Content: string(big)})
	b.AddMessage(Message{Role: RoleUser, Content: "short"})

	window := b.GetWindow(WindowOptions{MaxTokens: 10})
	for _, m := range window {
		require.LessOrEqual(t, estimateTokens(m.Content), 10)
	}
}

func TestContextBufferTrimKeepsMostImportantMessages(t *testing.T) {
	b := NewContextBuffer(4, 4000)
	b.SetMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "u1"},
		{Role: RoleUser, Content: "u2"},
		{Role: RoleUser, Content: "u3", Metadata: Metadata{"anchor": true}},
		{Role: RoleUser, Content: "u4"},
		{Role: RoleUser, Content: "u5"},
		{Role: RoleUser, Content: "u6"},
		{Role: RoleUser, Content: "u7"},
	})

	stats := b.GetUsageStats()
	require.LessOrEqual(t, stats.MessageCount, int(1.5*4))

	window := b.GetWindow(WindowOptions{MaxMessages: 10, MaxTokens: 100000})
	var anchored bool
	for _, m := range window {
		if m.Anchor() {
			anchored = true
		}
	}
	require.True(t, anchored, "anchored message u3 must survive trimming")
}

func TestContextBufferClear(t *testing.T) {
	b := NewContextBuffer(10, 4000)
	b.AddMessage(Message{Role: RoleUser, Content: "hi"})
	b.Clear()
	require.Equal(t, 0, b.GetUsageStats().MessageCount)
}

func TestContextBufferToPromptString(t *testing.T) {
	b := NewContextBuffer(10, 4000)
	b.AddMessage(Message{Role: RoleUser, Content: "hi"})
	b.AddMessage(Message{Role: RoleAssistant, Content: "there"})

	require.Equal(t, "[USER]: hi\n[ASSISTANT]: there", b.ToPromptString(0))
	require.Equal(t, "[ASSISTANT]: there", b.ToPromptString(1))
}

func TestContextBufferShouldSummarize(t *testing.T) {
	b := NewContextBuffer(10, 40)
	require.False(t, b.ShouldSummarize(0))

	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	b.AddMessage(Message{Role: RoleUser, Content: string(big)})
	require.True(t, b.ShouldSummarize(0))
}
