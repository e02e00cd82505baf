package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveline/weft/pkg/schema"
)

type recordingSink struct {
	captured []*schema.DeadLetterItem
	fail     bool
}

func (s *recordingSink) AppendDeadLetter(_ context.Context, _ string, item *schema.DeadLetterItem) error {
	if s.fail {
		return schema.NewError(schema.ErrCodeStore, "sink down")
	}
	s.captured = append(s.captured, item)
	return nil
}

func TestDeadLetterQueueEvictsOldest(t *testing.T) {
	q := NewDeadLetterQueues(nil)
	ctx := context.Background()

	q.Capture(ctx, "payments", 2, &schema.DeadLetterItem{ID: "one"})
	q.Capture(ctx, "payments", 2, &schema.DeadLetterItem{ID: "two"})
	q.Capture(ctx, "payments", 2, &schema.DeadLetterItem{ID: "three"})

	items := q.Items("payments")
	require.Len(t, items, 2)
	assert.Equal(t, "two", items[0].ID)
	assert.Equal(t, "three", items[1].ID)
	assert.Equal(t, 2, q.Len("payments"))
}

func TestDeadLetterQueuesAreIndependent(t *testing.T) {
	q := NewDeadLetterQueues(nil)
	ctx := context.Background()

	q.Capture(ctx, "a", 10, &schema.DeadLetterItem{ID: "a-1"})
	q.Capture(ctx, "b", 10, &schema.DeadLetterItem{ID: "b-1"})

	assert.Equal(t, 1, q.Len("a"))
	assert.Equal(t, 1, q.Len("b"))
	assert.Equal(t, 0, q.Len("c"))
}

func TestDeadLetterSinkMirrorsBestEffort(t *testing.T) {
	sink := &recordingSink{}
	q := NewDeadLetterQueues(sink)
	q.Capture(context.Background(), "default", 10, &schema.DeadLetterItem{ID: "one"})
	require.Len(t, sink.captured, 1)

	// A failing sink never loses the in-memory copy.
	sink.fail = true
	q.Capture(context.Background(), "default", 10, &schema.DeadLetterItem{ID: "two"})
	assert.Equal(t, 2, q.Len("default"))
}

func TestDeadLetterHandlerCapturesAndPassesThrough(t *testing.T) {
	q := NewDeadLetterQueues(nil)
	h := NewDeadLetterHandler(q)
	ec := NewExecutionContext("wf-1", "run-1", "org-1", nil)

	node := &schema.Node{ID: "dlq", Type: TypeDeadLetter, Config: map[string]any{
		"queue": "failed-orders",
	}}
	input := schema.SingleLane(
		schema.Item{"error": "boom", "retry_count": float64(3), "order": "o-1"},
		schema.Item{"order": "o-2"},
	)

	out, err := h.Execute(context.Background(), node, input, ec)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Len(t, out[0], 2)

	items := q.Items("failed-orders")
	require.Len(t, items, 2)
	assert.Equal(t, "boom", items[0].Error)
	assert.Equal(t, 3, items[0].RetryCount)
	assert.Equal(t, "run-1", items[0].RunID)
	assert.Equal(t, "dlq", items[0].NodeID)
	assert.NotEmpty(t, items[0].ID)
	assert.Contains(t, string(items[0].Snapshot), "o-1")
}

func TestDeadLetterHandlerDefaultQueue(t *testing.T) {
	q := NewDeadLetterQueues(nil)
	h := NewDeadLetterHandler(q)
	ec := NewExecutionContext("wf-1", "run-1", "org-1", nil)

	node := &schema.Node{ID: "dlq", Type: TypeDeadLetter}
	_, err := h.Execute(context.Background(), node, schema.SingleLane(schema.Item{"x": 1}), ec)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len("default"))
}
