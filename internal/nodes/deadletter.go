package nodes

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaveline/weft/pkg/schema"
)

// TypeDeadLetter is the dead-letter node type name.
const TypeDeadLetter = "dead_letter"

const defaultDeadLetterMaxSize = 1000

// DeadLetterSink persists captured items. Persistence is best effort: a sink
// failure never fails the run that dead-lettered the item.
type DeadLetterSink interface {
	AppendDeadLetter(ctx context.Context, queue string, item *schema.DeadLetterItem) error
}

// DeadLetterQueues manages named bounded in-memory queues with
// oldest-eviction, optionally mirrored to a sink.
type DeadLetterQueues struct {
	mu     sync.Mutex
	queues map[string][]*schema.DeadLetterItem
	sink   DeadLetterSink
}

// NewDeadLetterQueues creates the queue manager. Sink may be nil.
func NewDeadLetterQueues(sink DeadLetterSink) *DeadLetterQueues {
	return &DeadLetterQueues{
		queues: make(map[string][]*schema.DeadLetterItem),
		sink:   sink,
	}
}

// Capture appends an item to the named queue, evicting the oldest entry when
// the queue is at maxSize.
func (q *DeadLetterQueues) Capture(ctx context.Context, queue string, maxSize int, item *schema.DeadLetterItem) {
	if maxSize <= 0 {
		maxSize = defaultDeadLetterMaxSize
	}

	q.mu.Lock()
	entries := q.queues[queue]
	for len(entries) >= maxSize {
		entries = entries[1:]
	}
	entries = append(entries, item)
	q.queues[queue] = entries
	q.mu.Unlock()

	if q.sink != nil {
		// Best effort: the run proceeds whether or not the sink accepts it.
		_ = q.sink.AppendDeadLetter(ctx, queue, item)
	}
}

// Items returns a snapshot of the named queue, oldest first.
func (q *DeadLetterQueues) Items(queue string) []*schema.DeadLetterItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*schema.DeadLetterItem, len(q.queues[queue]))
	copy(out, q.queues[queue])
	return out
}

// Len returns the current size of the named queue.
func (q *DeadLetterQueues) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

// DeadLetterHandler captures its input items onto a named queue, typically
// wired from a catch node's error lane. Items pass through on lane 0 so the
// flow can continue after capture.
type DeadLetterHandler struct {
	queues *DeadLetterQueues
}

// NewDeadLetterHandler creates the dead-letter handler.
func NewDeadLetterHandler(queues *DeadLetterQueues) *DeadLetterHandler {
	if queues == nil {
		queues = NewDeadLetterQueues(nil)
	}
	return &DeadLetterHandler{queues: queues}
}

type deadLetterConfig struct {
	Queue   string `json:"queue"`
	MaxSize int    `json:"max_size"`
}

func (*DeadLetterHandler) Type() string { return TypeDeadLetter }

func (h *DeadLetterHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg deadLetterConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}

	items := input.Flatten()
	for _, item := range items {
		snapshot, _ := json.Marshal(item)
		entry := &schema.DeadLetterItem{
			ID:         uuid.NewString(),
			Timestamp:  time.Now().UTC(),
			WorkflowID: ec.WorkflowID,
			RunID:      ec.RunID,
			NodeID:     node.ID,
			Snapshot:   snapshot,
		}
		if msg, ok := item["error"].(string); ok {
			entry.Error = msg
		}
		if n, ok := toFloat(item["retry_count"]); ok {
			entry.RetryCount = int(n)
		}
		h.queues.Capture(ctx, cfg.Queue, cfg.MaxSize, entry)
	}

	return schema.SingleLane(items...), nil
}
