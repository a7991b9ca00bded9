package memory

import (
	"fmt"
	"strings"
	"sync"
)

// ContextBuffer is a stateful, in-memory window of Message values for a
// single agent session. It has no SQL-backed counterpart in the teacher;
// it plays the role the teacher's in-process agent state structs play,
// but generalized to message-window bookkeeping per spec.md §4.2.
type ContextBuffer struct {
	mu          sync.Mutex
	messages    []Message
	maxMessages int
	maxTokens   int
}

// WindowOptions bounds a single getWindow call; zero values fall back to
// the buffer's configured defaults.
type WindowOptions struct {
	MaxTokens   int
	MaxMessages int
}

// UsageStats summarizes the buffer's current occupancy.
type UsageStats struct {
	MessageCount int
	TotalTokens  int
	MaxMessages  int
	MaxTokens    int
}

const (
	defaultMaxMessages = 50
	defaultMaxTokens   = 4000
)

// NewContextBuffer constructs a buffer with the given limits; zero/negative
// values fall back to spec defaults (50 messages, 4000 tokens).
func NewContextBuffer(maxMessages, maxTokens int) *ContextBuffer {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &ContextBuffer{maxMessages: maxMessages, maxTokens: maxTokens}
}

// AddMessage appends m and applies the trim policy.
func (b *ContextBuffer) AddMessage(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
	b.trimLocked()
}

// SetMessages replaces the buffer contents and applies the trim policy.
func (b *ContextBuffer) SetMessages(ms []Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append([]Message(nil), ms...)
	b.trimLocked()
}

// Clear empties the buffer.
func (b *ContextBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

// trimLocked applies importance trimming (spec.md §4.2) when the buffer
// has grown past 1.5x maxMessages. Caller must hold mu.
func (b *ContextBuffer) trimLocked() {
	threshold := int(1.5 * float64(b.maxMessages))
	if len(b.messages) <= threshold {
		return
	}

	type scored struct {
		msg   Message
		index int
	}
	var pinned *Message
	rest := make([]scored, 0, len(b.messages))
	for i, m := range b.messages {
		if i == 0 && m.Role == RoleSystem {
			cp := m
			pinned = &cp
			continue
		}
		rest = append(rest, scored{msg: m, index: i})
	}

	// Stable selection by (anchor desc, role priority desc); keep indices for
	// the final temporal rebuild.
	sorted := append([]scored(nil), rest...)
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && lessImportant(sorted[j-1].msg, sorted[j].msg) {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			j--
		}
	}

	limit := b.maxMessages
	if pinned != nil {
		limit--
	}
	if limit < 0 {
		limit = 0
	}
	if limit > len(sorted) {
		limit = len(sorted)
	}
	kept := make(map[int]bool, limit)
	for i := 0; i < limit; i++ {
		kept[sorted[i].index] = true
	}

	rebuilt := make([]Message, 0, limit+1)
	if pinned != nil {
		rebuilt = append(rebuilt, *pinned)
	}
	for i, m := range b.messages {
		if i == 0 && pinned != nil {
			continue
		}
		if kept[i] {
			rebuilt = append(rebuilt, m)
		}
	}
	b.messages = rebuilt
}

// lessImportant reports whether a should sort after b under the comparator
// (anchor desc, role priority desc) — i.e. a is LESS important than b.
func lessImportant(a, b Message) bool {
	aAnchor, bAnchor := a.Anchor(), b.Anchor()
	if aAnchor != bAnchor {
		return bAnchor && !aAnchor
	}
	return rolePriority(a.Role) < rolePriority(b.Role)
}

func rolePriority(r MessageRole) int {
	switch r {
	case RoleSystem:
		return 3
	case RoleAssistant, RoleAction:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// GetWindow returns a temporally ordered sub-sequence selected per
// spec.md §4.2's greedy, cap-bounded window algorithm.
func (b *ContextBuffer) GetWindow(opts WindowOptions) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = b.maxMessages
	}

	if len(b.messages) == 0 {
		return nil
	}

	var pinned *Message
	start := 0
	if b.messages[0].Role == RoleSystem {
		cp := b.messages[0]
		pinned = &cp
		start = 1
	}

	type candidate struct {
		index int
		msg   Message
	}
	candidates := make([]candidate, 0, len(b.messages)-start)
	for i := start; i < len(b.messages); i++ {
		candidates = append(candidates, candidate{index: i, msg: b.messages[i]})
	}

	// priority order: isAnchor desc, index desc (recency)
	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && candidateLess(candidates[j-1], candidates[j]) {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
			j--
		}
	}

	capMessages := maxMessages
	if pinned != nil {
		capMessages--
	}
	if capMessages < 0 {
		capMessages = 0
	}

	tokenBudget := maxTokens
	if pinned != nil {
		tokenBudget -= estimateTokens(pinned.Content)
	}

	selectedIdx := make(map[int]bool)
	count := 0
	for _, c := range candidates {
		if count >= capMessages {
			break
		}
		cost := estimateTokens(c.msg.Content)
		if cost > tokenBudget {
			continue
		}
		selectedIdx[c.index] = true
		tokenBudget -= cost
		count++
	}

	out := make([]Message, 0, count+1)
	if pinned != nil {
		out = append(out, *pinned)
	}
	for i := start; i < len(b.messages); i++ {
		if selectedIdx[i] {
			out = append(out, b.messages[i])
		}
	}
	return out
}

func candidateLess(a, b struct {
	index int
	msg   Message
}) bool {
	aAnchor, bAnchor := a.msg.Anchor(), b.msg.Anchor()
	if aAnchor != bAnchor {
		return bAnchor && !aAnchor
	}
	return a.index < b.index
}

// ToPromptString renders the current buffer (or its trailing `limit`
// messages when limit > 0) as "[ROLE]: content" lines.
func (b *ContextBuffer) ToPromptString(limit int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.messages
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(fmt.Sprintf("[%s]: %s", strings.ToUpper(string(m.Role)), m.Content))
	}
	return sb.String()
}

// ShouldSummarize reports whether the estimated token total exceeds
// threshold (default 0.8 x maxTokens).
func (b *ContextBuffer) ShouldSummarize(threshold int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if threshold <= 0 {
		threshold = int(0.8 * float64(b.maxTokens))
	}
	total := 0
	for _, m := range b.messages {
		total += estimateTokens(m.Content)
	}
	return total > threshold
}

// GetUsageStats reports the buffer's occupancy against its configured caps.
func (b *ContextBuffer) GetUsageStats() UsageStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, m := range b.messages {
		total += estimateTokens(m.Content)
	}
	return UsageStats{
		MessageCount: len(b.messages),
		TotalTokens:  total,
		MaxMessages:  b.maxMessages,
		MaxTokens:    b.maxTokens,
	}
}
