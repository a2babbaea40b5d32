package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memvault/internal/model"
)

func TestContextPacksWithinBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.capture(t, model.NSPatterns, "retry policy "+strings.Repeat("backoff jitter ", 30))
	}

	res, err := h.engine.Context(ctx, ContextRequest{Query: "retry policy", Budget: 300})
	require.NoError(t, err)
	assert.Equal(t, 300, res.Budget)
	assert.LessOrEqual(t, res.Used, res.Budget+1)
	require.NotEmpty(t, res.Memories)

	last := res.Memories[len(res.Memories)-1]
	assert.True(t, last.Excerpt)
	assert.True(t, strings.HasSuffix(last.Content, "..."))
	for _, m := range res.Memories[:len(res.Memories)-1] {
		assert.False(t, m.Excerpt)
	}
}

func TestContextPrefersRecent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.capture(t, model.NSLearnings, "cache warmup note")
	h.clock.Advance(30 * 24 * time.Hour)
	fresh := h.capture(t, model.NSLearnings, "cache warmup note")

	res, err := h.engine.Context(ctx, ContextRequest{Query: "cache warmup"})
	require.NoError(t, err)
	require.Len(t, res.Memories, 2)
	assert.Equal(t, fresh.ID, res.Memories[0].ID)
	assert.Equal(t, old.ID, res.Memories[1].ID)
	assert.Greater(t, res.Memories[0].Score, res.Memories[1].Score)
}

func TestContextWithoutQueryUsesNewest(t *testing.T) {
	h := newHarness(t)
	a := h.capture(t, model.NSProgress, "migrated auth")
	b := h.capture(t, model.NSProgress, "migrated billing")

	res, err := h.engine.Context(context.Background(), ContextRequest{})
	require.NoError(t, err)
	assert.Equal(t, DefaultContextBudget, res.Budget)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{res.Memories[0].ID, res.Memories[1].ID})
}

func TestContextEmpty(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.Context(context.Background(), ContextRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, res.Memories)
	assert.Zero(t, res.Used)
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "héllo", truncateUTF8("héllo", 10))
	assert.Equal(t, "h", truncateUTF8("héllo", 2), "never split a rune")
	assert.Equal(t, "hé", truncateUTF8("héllo", 3))
}
