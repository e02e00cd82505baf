package nodes

import (
	"context"
	"sync"
	"time"

	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/pkg/schema"
)

// TypeAlert is the alert node type name.
const TypeAlert = "alert"

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const defaultDedupWindow = 5 * time.Minute

// AlertHandler raises a notification through the configured Notifier.
// Alerts sharing a dedup key within the window are suppressed after the
// first delivery. Delivery is best effort; input passes through on lane 0.
type AlertHandler struct {
	deps *Deps

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewAlertHandler creates the alert handler.
func NewAlertHandler(deps *Deps) *AlertHandler {
	return &AlertHandler{
		deps:     deps,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

type alertConfig struct {
	Severity   string   `json:"severity"`
	Message    string   `json:"message"` // supports {{ }} interpolation
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	// DedupKey suppresses repeat alerts; empty disables deduplication.
	DedupKey      string `json:"dedup_key"`
	DedupWindowMs int    `json:"dedup_window_ms"`
}

func (*AlertHandler) Type() string { return TypeAlert }

func (h *AlertHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg alertConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Message == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "alert node requires message").WithNode(node.ID)
	}
	if cfg.Severity == "" {
		cfg.Severity = SeverityWarning
	}

	items := input.Flatten()

	if cfg.DedupKey != "" && h.suppressed(cfg.DedupKey, cfg.DedupWindowMs) {
		return schema.SingleLane(items...), nil
	}

	scope := ec.Scope()
	scope.Current = input.First()
	resolved, err := expressions.ResolveString(cfg.Message, scope)
	if err != nil {
		return nil, wrapNodeErr(node.ID, err)
	}

	payload := schema.Item{
		"severity":    cfg.Severity,
		"message":     resolved,
		"workflow_id": ec.WorkflowID,
		"run_id":      ec.RunID,
		"node_id":     node.ID,
		"item_count":  len(items),
	}

	if h.deps != nil && h.deps.Notifier != nil {
		// Best effort: a notification failure is logged, never fatal.
		if err := h.deps.Notifier.Notify(ctx, cfg.Channel, cfg.Recipients, cfg.Severity, payload); err != nil {
			h.deps.logger().WarnContext(ctx, "alert delivery failed",
				"node_id", node.ID, "channel", cfg.Channel, "error", err.Error())
		}
	}

	return schema.SingleLane(items...), nil
}

// suppressed reports and records whether the dedup key fired within its
// window.
func (h *AlertHandler) suppressed(key string, windowMs int) bool {
	window := defaultDedupWindow
	if windowMs > 0 {
		window = time.Duration(windowMs) * time.Millisecond
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if last, ok := h.lastSent[key]; ok && now.Sub(last) < window {
		return true
	}
	h.lastSent[key] = now
	return false
}
