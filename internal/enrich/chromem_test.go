package enrich

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSink(t *testing.T) *ChromemSink {
	t.Helper()
	sink, err := NewChromemSink(&ChromemConfig{
		Path:       t.TempDir(),
		Collection: "test_projects",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestNewChromemSink_RequiresPathAndCollection(t *testing.T) {
	_, err := NewChromemSink(&ChromemConfig{Collection: "c"}, nil)
	require.Error(t, err)

	_, err = NewChromemSink(&ChromemConfig{Path: t.TempDir()}, nil)
	require.Error(t, err)

	_, err = NewChromemSink(nil, nil)
	require.Error(t, err)
}

func TestChromemSink_SyncAndRelated(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Sync(ctx, "Hebrew Evaluation MVP", map[string]any{
		"current_focus": "hebrew speech scoring pipeline",
	}))
	require.NoError(t, sink.Sync(ctx, "Hebrew Speaking Evaluation", map[string]any{
		"current_focus": "hebrew speaking rubric design",
	}))
	require.NoError(t, sink.Sync(ctx, "Billing Service", map[string]any{
		"current_focus": "invoice idempotency keys",
	}))

	items, err := sink.Related(ctx, "Hebrew Evaluation MVP", 3)
	require.NoError(t, err)
	require.NotEmpty(t, items)

	for _, it := range items {
		assert.NotEqual(t, "Hebrew Evaluation MVP", it.Project)
		assert.NotEmpty(t, it.Content)
	}
}

func TestChromemSink_SyncReplacesDocument(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Sync(ctx, "proj", map[string]any{"current_focus": "v1"}))
	require.NoError(t, sink.Sync(ctx, "proj", map[string]any{"current_focus": "v2"}))

	assert.Equal(t, 1, sink.col.Count())
}

func TestChromemSink_RelatedEmptyStore(t *testing.T) {
	sink := newTestSink(t)

	items, err := sink.Related(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestChromemSink_RelatedHonorsLimit(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, sink.Sync(ctx, name, map[string]any{"current_focus": "shared focus text"}))
	}

	items, err := sink.Related(ctx, "a", 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(items), 2)

	items, err = sink.Related(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestNoopSink(t *testing.T) {
	var sink NoopSink

	err := sink.Sync(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrDisabled)

	items, err := sink.Related(context.Background(), "p", 3)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.NoError(t, sink.Close())
}

func TestEmbedText_Deterministic(t *testing.T) {
	a1, err := embedText(context.Background(), "some project text")
	require.NoError(t, err)
	a2, err := embedText(context.Background(), "some project text")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	b, err := embedText(context.Background(), "entirely different words")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)

	empty, err := embedText(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, empty, embeddingDim)
	assert.Equal(t, float32(1), empty[0])
}
