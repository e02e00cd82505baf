package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/weaveline/weft/pkg/schema"
)

// TypeMerge is the merge node type name.
const TypeMerge = "merge"

// Merge wait modes and combine strategies.
const (
	MergeWaitAll = "wait_all"
	MergeWaitAny = "wait_any"

	CombineConcat = "concat"
	CombineArray  = "array"
	CombineObject = "object"
	CombineFirst  = "first"
	CombineLast   = "last"
)

// MergeBuffer accumulates branch deliveries for a merge node across
// executions of the same run. Needed when a run suspends between branch
// completions; within one pass every branch arrives in a single call.
type MergeBuffer interface {
	// Merge folds newly delivered lanes into the buffered state and returns
	// the accumulated lanes.
	Merge(runID, nodeID string, delivered schema.Lanes) schema.Lanes
	// Clear drops the buffered state once the merge has emitted.
	Clear(runID, nodeID string)
}

// MemoryMergeBuffer is the default in-process MergeBuffer.
type MemoryMergeBuffer struct {
	mu      sync.Mutex
	buffers map[string]schema.Lanes
}

// NewMemoryMergeBuffer creates an empty merge buffer.
func NewMemoryMergeBuffer() *MemoryMergeBuffer {
	return &MemoryMergeBuffer{buffers: make(map[string]schema.Lanes)}
}

func (b *MemoryMergeBuffer) Merge(runID, nodeID string, delivered schema.Lanes) schema.Lanes {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := runID + "/" + nodeID
	buffered := b.buffers[key]
	for len(buffered) < len(delivered) {
		buffered = append(buffered, schema.Lane{})
	}
	for i, lane := range delivered {
		if len(lane) > 0 {
			buffered[i] = append(buffered[i], lane...)
		}
	}
	b.buffers[key] = buffered

	out := make(schema.Lanes, len(buffered))
	for i, lane := range buffered {
		out[i] = append(schema.Lane(nil), lane...)
	}
	return out
}

func (b *MemoryMergeBuffer) Clear(runID, nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buffers, runID+"/"+nodeID)
}

// MergeHandler joins branches back into a single flow. Wait mode decides how
// many branches must deliver; the combine strategy decides the output shape.
type MergeHandler struct {
	buffer MergeBuffer
}

// NewMergeHandler creates a merge handler with the given buffer. A nil
// buffer gets an in-process one.
func NewMergeHandler(buffer MergeBuffer) *MergeHandler {
	if buffer == nil {
		buffer = NewMemoryMergeBuffer()
	}
	return &MergeHandler{buffer: buffer}
}

type mergeConfig struct {
	Mode    string `json:"mode"`    // wait_all (default) | wait_any
	Combine string `json:"combine"` // concat (default) | array | object | first | last
	// Keys names the object-mode fields per input port; defaults to input_N.
	Keys []string `json:"keys"`
}

func (*MergeHandler) Type() string { return TypeMerge }

func (h *MergeHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg mergeConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = MergeWaitAll
	}
	if cfg.Combine == "" {
		cfg.Combine = CombineConcat
	}

	accumulated := h.buffer.Merge(ec.RunID, node.ID, input)

	delivered := 0
	for _, lane := range accumulated {
		if len(lane) > 0 {
			delivered++
		}
	}

	switch cfg.Mode {
	case MergeWaitAny:
		if delivered == 0 {
			return schema.SingleLane(), nil
		}
	case MergeWaitAll:
		// Branches that delivered nothing (filtered-empty or skipped) do not
		// hold the merge open; within a pass all connected branches have
		// already run.
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown merge mode %q", cfg.Mode).WithNode(node.ID)
	}

	out, err := combine(&cfg, accumulated)
	if err != nil {
		return nil, wrapNodeErr(node.ID, err)
	}
	h.buffer.Clear(ec.RunID, node.ID)
	return out, nil
}

func combine(cfg *mergeConfig, lanes schema.Lanes) (schema.Lanes, error) {
	switch cfg.Combine {
	case CombineConcat:
		return schema.SingleLane(lanes.Flatten()...), nil

	case CombineArray:
		arrays := make([]any, 0, len(lanes))
		for _, lane := range lanes {
			items := make([]any, len(lane))
			for i, item := range lane {
				items[i] = map[string]any(item)
			}
			arrays = append(arrays, items)
		}
		return schema.SingleLane(schema.Item{"merged": arrays}), nil

	case CombineObject:
		obj := schema.Item{}
		for i, lane := range lanes {
			key := fmt.Sprintf("input_%d", i)
			if i < len(cfg.Keys) && cfg.Keys[i] != "" {
				key = cfg.Keys[i]
			}
			items := make([]any, len(lane))
			for j, item := range lane {
				items[j] = map[string]any(item)
			}
			obj[key] = items
		}
		return schema.SingleLane(obj), nil

	case CombineFirst:
		for _, lane := range lanes {
			if len(lane) > 0 {
				return schema.SingleLane(lane...), nil
			}
		}
		return schema.SingleLane(), nil

	case CombineLast:
		for i := len(lanes) - 1; i >= 0; i-- {
			if len(lanes[i]) > 0 {
				return schema.SingleLane(lanes[i]...), nil
			}
		}
		return schema.SingleLane(), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown combine strategy %q", cfg.Combine)
	}
}
